// Package revocation keeps a denylist of token ids revoked before their
// natural expiry, so logout takes effect immediately.
//
// Entries only need to live until the token would have expired anyway.
// MemoryStore keeps them in process with a size cap. RedisStore shares them
// across gateway instances using keys that expire on their own.
package revocation
