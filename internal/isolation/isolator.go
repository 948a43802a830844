package isolation

import (
	"encoding/json"
	"fmt"

	"ledgermigrate/internal/errs"
)

// Partition attributes every session to the ledger of its user. Users are
// keyed by their raw identity and never merged.
func Partition(sessions []Sequenced) map[string]*Ledger {
	ledgers := make(map[string]*Ledger)
	for _, s := range sessions {
		l, ok := ledgers[s.Session.User]
		if !ok {
			l = NewLedger(s.Session.User)
			ledgers[s.Session.User] = l
		}
		l.Add(EntryFrom(s))
	}
	return ledgers
}

// Anonymize returns a copy of l whose identity is replaced by its token
func (a *Anonymizer) Anonymize(l *Ledger) *Ledger {
	out := NewLedger(a.Token(l.UserID))
	for _, e := range l.Sessions {
		out.Add(e)
	}
	return out
}

// Envelope is the persisted form of a ledger. Totals stay in clear form
// whether or not the session payload is encrypted.
type Envelope struct {
	UserID         string  `json:"user_id"`
	Anonymized     bool    `json:"anonymized"`
	Encrypted      bool    `json:"encrypted"`
	SessionCount   int     `json:"session_count"`
	TotalMinutes   int64   `json:"total_minutes"`
	BillingMinutes int64   `json:"billing_minutes"`
	Sessions       []Entry `json:"sessions,omitempty"`
	Payload        []byte  `json:"payload,omitempty"`
}

// Encrypt seals the ledger's sessions, leaving identity and totals readable
func (c *Cipher) Encrypt(l *Ledger) (*Envelope, error) {
	data, err := json.Marshal(l.Sessions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sessions: %w", err)
	}
	payload, err := c.Seal(data, []byte(l.UserID))
	if err != nil {
		return nil, err
	}
	return &Envelope{
		UserID:         l.UserID,
		Encrypted:      true,
		SessionCount:   len(l.Sessions),
		TotalMinutes:   l.TotalMinutes,
		BillingMinutes: l.BillingMinutes,
		Payload:        payload,
	}, nil
}

// Decrypt restores the ledger sealed by Encrypt
func (c *Cipher) Decrypt(e *Envelope) (*Ledger, error) {
	data, err := c.Open(e.Payload, []byte(e.UserID))
	if err != nil {
		return nil, err
	}
	var sessions []Entry
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sessions: %w", err)
	}
	return restore(e, sessions)
}

// restore rebuilds a ledger and checks its entries against the clear totals
func restore(e *Envelope, sessions []Entry) (*Ledger, error) {
	l := &Ledger{
		UserID:         e.UserID,
		Sessions:       sessions,
		TotalMinutes:   e.TotalMinutes,
		BillingMinutes: e.BillingMinutes,
	}
	if l.Recompute() || len(sessions) != e.SessionCount {
		return nil, errs.New(errs.KindIO, fmt.Sprintf("ledger %s: stored totals do not match its sessions", e.UserID), nil)
	}
	l.reindex()
	return l, nil
}

// Isolator applies the configured identity protection to ledgers
type Isolator struct {
	anon   *Anonymizer
	cipher *Cipher

	tokens map[string]string
}

// NewIsolator creates an isolator. Either argument may be nil to disable
// anonymization or encryption.
func NewIsolator(anon *Anonymizer, cipher *Cipher) *Isolator {
	return &Isolator{anon: anon, cipher: cipher, tokens: make(map[string]string)}
}

// Anonymized reports whether identities are replaced by tokens
func (i *Isolator) Anonymized() bool { return i.anon != nil }

// Encrypted reports whether session payloads are encrypted
func (i *Isolator) Encrypted() bool { return i.cipher != nil }

// LedgerID returns the identity under which user's ledger is stored
func (i *Isolator) LedgerID(user string) (string, error) {
	if i.anon == nil {
		return user, nil
	}
	token := i.anon.Token(user)
	if prev, ok := i.tokens[token]; ok && prev != user {
		return "", errs.New(errs.KindValidation, fmt.Sprintf("anonymization token collision for %s", token), nil)
	}
	i.tokens[token] = user
	return token, nil
}

// Partition groups sessions by ledger identity
func (i *Isolator) Partition(sessions []Sequenced) (map[string]*Ledger, error) {
	ledgers := Partition(sessions)
	if i.anon == nil {
		return ledgers, nil
	}
	out := make(map[string]*Ledger, len(ledgers))
	for user, l := range ledgers {
		id, err := i.LedgerID(user)
		if err != nil {
			return nil, err
		}
		out[id] = i.anon.Anonymize(l)
	}
	return out, nil
}

// Seal converts a ledger into its persisted envelope
func (i *Isolator) Seal(l *Ledger) (*Envelope, error) {
	l.Sort()
	if i.cipher != nil {
		env, err := i.cipher.Encrypt(l)
		if err != nil {
			return nil, err
		}
		env.Anonymized = i.anon != nil
		return env, nil
	}
	return &Envelope{
		UserID:         l.UserID,
		Anonymized:     i.anon != nil,
		SessionCount:   len(l.Sessions),
		TotalMinutes:   l.TotalMinutes,
		BillingMinutes: l.BillingMinutes,
		Sessions:       l.Sessions,
	}, nil
}

// Open restores a ledger from its envelope
func (i *Isolator) Open(e *Envelope) (*Ledger, error) {
	if !e.Encrypted {
		return restore(e, append([]Entry(nil), e.Sessions...))
	}
	if i.cipher == nil {
		return nil, errs.New(errs.KindConfig, fmt.Sprintf("ledger %s is encrypted but no key is configured", e.UserID), nil)
	}
	return i.cipher.Decrypt(e)
}
