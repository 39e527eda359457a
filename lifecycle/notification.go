package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
)

const (
	ActionExplore = "explore"
	ActionClose   = "close"
)

// Notification describes a notification the host should surface.
type Notification struct {
	Title   string   `json:"title" mapstructure:"title"`
	Body    string   `json:"body" mapstructure:"body"`
	Icon    string   `json:"icon" mapstructure:"icon"`
	Badge   string   `json:"badge" mapstructure:"badge"`
	Vibrate []int    `json:"vibrate" mapstructure:"vibrate"`
	URL     string   `json:"url" mapstructure:"url"`
	Actions []Action `json:"actions" mapstructure:"actions"`
}

type Action struct {
	Action string `json:"action" mapstructure:"action"`
	Title  string `json:"title" mapstructure:"title"`
}

// Click is a click on a notification, either on one of its actions or on the notification itself.
type Click struct {
	Action string `json:"action"`
	URL    string `json:"url"`
}

func DefaultNotification() Notification {
	return Notification{
		Title:   "New content",
		Body:    "New content is available.",
		Icon:    "/icons/icon-192.png",
		Badge:   "/icons/badge-72.png",
		Vibrate: []int{100, 50, 100},
		URL:     "/",
		Actions: []Action{
			{Action: ActionExplore, Title: "Open"},
			{Action: ActionClose, Title: "Close"},
		},
	}
}

// withDefaults fills the zero fields of n from defaults.
func (n Notification) withDefaults(defaults Notification) Notification {
	if n.Title == "" {
		n.Title = defaults.Title
	}
	if n.Body == "" {
		n.Body = defaults.Body
	}
	if n.Icon == "" {
		n.Icon = defaults.Icon
	}
	if n.Badge == "" {
		n.Badge = defaults.Badge
	}
	if len(n.Vibrate) == 0 {
		n.Vibrate = defaults.Vibrate
	}
	if n.URL == "" {
		n.URL = defaults.URL
	}
	if len(n.Actions) == 0 {
		n.Actions = defaults.Actions
	}
	return n
}

// fromPayload builds the notification for a push payload.
// JSON payloads may set title, body and url; any other payload becomes the body.
func (n Notification) fromPayload(payload []byte) Notification {
	out := n
	out.Vibrate = append([]int(nil), n.Vibrate...)
	out.Actions = append([]Action(nil), n.Actions...)
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return out
	}
	var message struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		URL   string `json:"url"`
	}
	if payload[0] != '{' || json.Unmarshal(payload, &message) != nil {
		out.Body = string(payload)
		return out
	}
	if message.Title != "" {
		out.Title = message.Title
	}
	if message.Body != "" {
		out.Body = message.Body
	}
	if message.URL != "" {
		out.URL = message.URL
	}
	return out
}

// Host is the environment the layer runs in.
// It surfaces notifications and opens windows on the layer's behalf.
type Host interface {
	ShowNotification(ctx context.Context, n Notification) error
	OpenWindow(ctx context.Context, url string) error
}

// LogHost is a host without a user interface: it only logs what it is asked to do.
type LogHost struct {
	Logger zerolog.Logger
}

func (h LogHost) ShowNotification(ctx context.Context, n Notification) error {
	h.Logger.Info().
		Str("title", n.Title).
		Str("body", n.Body).
		Str("url", n.URL).
		Msg("Notification")
	return nil
}

func (h LogHost) OpenWindow(ctx context.Context, url string) error {
	h.Logger.Info().Str("url", url).Msg("Open window")
	return nil
}
