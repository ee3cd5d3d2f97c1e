// ABOUTME: Version comparison and per-user contribution statistics
// ABOUTME: Diffs come from the diff package; stats aggregate change rows and snapshots

package versions

import (
	"context"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/2389/quill-gateway/internal/diff"
	"github.com/2389/quill-gateway/internal/message"
	"github.com/2389/quill-gateway/internal/store"
)

const currentVersion = "current"

// side resolves one operand of a comparison to its text and title. A nil
// reply with a nil error means success.
func (a *Agent) side(ctx context.Context, msg *message.Message, d *store.Document, key string) (content, title string, reply *message.Message, err error) {
	if msg.Payload.String(key) == currentVersion {
		return d.Content, fmt.Sprintf("Current (%s)", d.Title), nil, nil
	}
	n, ok := msg.Payload.Int(key)
	if !ok {
		return "", "", msg.Reply(message.Fail(message.KindValidation, key+" must be a version number or \"current\"")), nil
	}
	s, err := a.findVersion(ctx, d.ID, "", n)
	if err != nil {
		return "", "", nil, err
	}
	if s == nil {
		return "", "", msg.Reply(message.Fail(message.KindNotFound, fmt.Sprintf("Version %d not found", n))), nil
	}
	return s.Content, fmt.Sprintf("Version %d", n), nil, nil
}

func (a *Agent) handleCompare(ctx context.Context, msg *message.Message) (*message.Message, error) {
	p := msg.Payload
	docID := p.String("document_id")
	if docID == "" {
		return msg.Reply(message.Fail(message.KindValidation, "document_id required")), nil
	}
	format, err := diff.ParseFormat(p.String("format"))
	if err != nil {
		return msg.Reply(message.Fail(message.KindValidation, "format must be one of unified, html, stats")), nil
	}

	d, reply, err := a.load(ctx, msg, docID)
	if d == nil {
		return reply, err
	}
	if p.Has("user_id") && !d.CanView(p.String("user_id")) {
		return msg.Reply(message.Fail(message.KindAuthorization, "Access denied")), nil
	}

	content1, title1, reply, err := a.side(ctx, msg, d, "version1")
	if reply != nil || err != nil {
		return reply, err
	}
	content2, title2, reply, err := a.side(ctx, msg, d, "version2")
	if reply != nil || err != nil {
		return reply, err
	}

	res, err := diff.Compute(content1, content2, diff.Options{Format: format, FromTitle: title1, ToTitle: title2})
	if err != nil {
		return nil, err
	}
	out := map[string]any{"statistics": res.Statistics()}
	switch format {
	case diff.FormatUnified:
		out["diff_text"] = res.Rendered
	case diff.FormatHTML:
		out["diff_html"] = res.Rendered
	}

	return msg.Reply(message.OK(message.Payload{
		"diff":     out,
		"version1": p["version1"],
		"version2": p["version2"],
		"format":   string(format),
	})), nil
}

type contribution struct {
	UserID            string
	Username          string
	DisplayName       string
	TotalChanges      int
	CharactersAdded   int
	CharactersRemoved int
	VersionsCreated   int
	IsOwner           bool
	Percentage        float64
}

func (c *contribution) activity() int { return c.TotalChanges + c.VersionsCreated }

func (c *contribution) Map() map[string]any {
	return map[string]any{
		"user_id":            c.UserID,
		"username":           c.Username,
		"display_name":       c.DisplayName,
		"total_changes":      c.TotalChanges,
		"characters_added":   c.CharactersAdded,
		"characters_removed": c.CharactersRemoved,
		"net_characters":     c.CharactersAdded - c.CharactersRemoved,
		"versions_created":   c.VersionsCreated,
		"is_owner":           c.IsOwner,
		"percentage":         c.Percentage,
	}
}

func round1(f float64) float64 { return math.Round(f*10) / 10 }

func (a *Agent) handleContributions(ctx context.Context, msg *message.Message) (*message.Message, error) {
	p := msg.Payload
	docID := p.String("document_id")
	if docID == "" {
		return msg.Reply(message.Fail(message.KindValidation, "document_id required")), nil
	}

	d, reply, err := a.load(ctx, msg, docID)
	if d == nil {
		return reply, err
	}
	if p.Has("requesting_user_id") && !d.CanView(p.String("requesting_user_id")) {
		return msg.Reply(message.Fail(message.KindAuthorization, "Access denied")), nil
	}

	changes, err := a.store.FindChanges(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("loading changes: %w", err)
	}
	snaps, err := a.store.FindSnapshots(ctx, store.SnapshotFilter{DocumentID: docID})
	if err != nil {
		return nil, fmt.Errorf("loading versions: %w", err)
	}

	byUser := make(map[string]*contribution)
	get := func(id string) *contribution {
		c, ok := byUser[id]
		if !ok {
			c = &contribution{UserID: id, IsOwner: id == d.OwnerID}
			byUser[id] = c
		}
		return c
	}

	for _, ch := range changes {
		c := get(ch.UserID)
		c.TotalChanges++
		switch ch.ChangeType {
		case store.ChangeInsert:
			c.CharactersAdded += utf8.RuneCountInString(ch.NewContent)
		case store.ChangeDelete:
			c.CharactersRemoved += ch.Length
		case store.ChangeReplace:
			c.CharactersAdded += utf8.RuneCountInString(ch.NewContent)
			c.CharactersRemoved += ch.Length
		}
	}
	for _, s := range snaps {
		if s.CreatedBy != "" {
			get(s.CreatedBy).VersionsCreated++
		}
	}
	get(d.OwnerID)
	if d.LastEditedBy != "" {
		get(d.LastEditedBy)
	}

	ids := make([]string, 0, len(byUser))
	for id := range byUser {
		ids = append(ids, id)
	}
	accts, err := a.store.FindAccounts(ctx, store.AccountFilter{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("loading contributors: %w", err)
	}
	for _, acct := range accts {
		if c, ok := byUser[acct.ID]; ok {
			c.Username = acct.Username
			c.DisplayName = acct.Name()
		}
	}

	total := 0
	list := make([]*contribution, 0, len(byUser))
	for _, c := range byUser {
		if c.Username == "" {
			c.Username, c.DisplayName = "Unknown", "Unknown User"
		}
		total += c.activity()
		list = append(list, c)
	}
	for _, c := range list {
		if total > 0 {
			c.Percentage = round1(float64(c.activity()) / float64(total) * 100)
		} else {
			c.Percentage = round1(100 / float64(len(list)))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].IsOwner != list[j].IsOwner {
			return list[i].IsOwner
		}
		if list[i].Percentage != list[j].Percentage {
			return list[i].Percentage > list[j].Percentage
		}
		return list[i].UserID < list[j].UserID
	})

	filter := p.String("user_id")
	out := make([]map[string]any, 0, len(list))
	for _, c := range list {
		if filter != "" && c.UserID != filter {
			continue
		}
		out = append(out, c.Map())
	}

	return msg.Reply(message.OK(message.Payload{
		"contributions":      out,
		"total_changes":      len(changes),
		"total_versions":     len(snaps),
		"total_contributors": len(list),
	})), nil
}
