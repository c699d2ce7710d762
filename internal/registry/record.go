package registry

import (
	"sort"
	"strings"
	"time"
)

// BotConfig is the opaque bundle descriptor a tenant submits on start.
// The supervisor reads only Commands/Events (bundle selection); the rest is
// handed to the worker as-is.
type BotConfig struct {
	Token    string            `json:"token,omitempty" yaml:"token,omitempty"`
	ClientID string            `json:"clientId,omitempty" yaml:"client_id,omitempty"`
	Prefix   string            `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Admins   []string          `json:"admins,omitempty" yaml:"admins,omitempty"`
	Commands []string          `json:"commands,omitempty" yaml:"commands,omitempty"`
	Events   []string          `json:"events,omitempty" yaml:"events,omitempty"`
	Settings map[string]string `json:"settings,omitempty" yaml:"settings,omitempty"`
}

func (c BotConfig) Clone() BotConfig {
	out := c
	out.Admins = append([]string(nil), c.Admins...)
	out.Commands = append([]string(nil), c.Commands...)
	out.Events = append([]string(nil), c.Events...)
	if c.Settings != nil {
		out.Settings = make(map[string]string, len(c.Settings))
		for k, v := range c.Settings {
			out.Settings[k] = v
		}
	}
	return out
}

// Redacted masks credentials for read-only views.
func (c BotConfig) Redacted() BotConfig {
	out := c.Clone()
	if out.Token != "" {
		out.Token = maskSecret(out.Token)
	}
	return out
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// Record is the durable Bot Record: intent ("should it run"), never fact.
type Record struct {
	BotID           string     `json:"botId"`
	OwnerID         string     `json:"ownerId"`
	Config          BotConfig  `json:"config"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastActive      time.Time  `json:"lastActive"`
	AutoRestart     bool       `json:"autoRestart"`
	ManuallyStopped bool       `json:"manuallyStopped"`
	DesiredRunning  bool       `json:"desiredRunning"`
	RestartAttempts int        `json:"restartAttempts"`
	LastRestart     *time.Time `json:"lastRestart,omitempty"`
	LastExitCode    *int       `json:"lastExitCode,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
}

// NewRecord returns a record with the documented defaults (autoRestart on).
func NewRecord(tenant, botID string, cfg BotConfig, now time.Time) Record {
	return Record{
		BotID:       botID,
		OwnerID:     tenant,
		Config:      cfg.Clone(),
		CreatedAt:   now,
		LastActive:  now,
		AutoRestart: true,
	}
}

func (r Record) Clone() Record {
	out := r
	out.Config = r.Config.Clone()
	if r.LastRestart != nil {
		t := *r.LastRestart
		out.LastRestart = &t
	}
	if r.LastExitCode != nil {
		c := *r.LastExitCode
		out.LastExitCode = &c
	}
	return out
}

// Records is one tenant's whole document, keyed by botId.
type Records map[string]Record

func (rs Records) Clone() Records {
	out := make(Records, len(rs))
	for k, v := range rs {
		out[k] = v.Clone()
	}
	return out
}

// Sorted returns the records ordered by creation time, then botId.
func (rs Records) Sorted() []Record {
	out := make([]Record, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].BotID < out[j].BotID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
