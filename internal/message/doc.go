// Package message defines the envelope exchanged between agents.
//
// # Overview
//
// A Message is a typed, immutable unit of inter-agent communication. It
// carries a sender, a recipient, a free-form payload and, for replies, the
// id of the message it answers:
//
//	msg := message.New(message.TypeDocRead, "gateway", "", message.Payload{
//	    "document_id": docID,
//	    "user_id":     userID,
//	})
//
// The recipient is either a specific agent id, the Broadcast sentinel, or
// empty, in which case the broker resolves it by message type.
//
// # Replies
//
// CreateResponse is the only way to build a reply. It swaps sender and
// recipient, copies the original id into CorrelationID and picks
// TypeResponse or TypeError from the success flag:
//
//	reply := msg.CreateResponse(message.OK(message.Payload{"document": doc}), true)
//
// Reply is a shorthand that derives the success flag from the payload.
//
// # Error payloads
//
// Failures travel as ordinary payloads tagged with a Kind so that callers
// can tell validation, authorization, conflict, not-found and internal
// failures apart:
//
//	return msg.Reply(message.Fail(message.KindNotFound, "Document not found")), nil
package message
