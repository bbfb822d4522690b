package notify

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Defaults applied to every push notification
const (
	DefaultTitle = "Путь к Рамадану"
	DefaultBody  = "Новое уведомление"
	DefaultIcon  = "./icons/icon-192.png"
	DefaultBadge = "./icons/icon-72.png"
	DefaultTag   = "ramadan-notification"
	DefaultURL   = "./"
)

// Sources recorded in Data.Source
const (
	SourcePush       = "push"
	SourceBackground = "background"
	SourceClient     = "client"
)

// DefaultVibrate is the vibration pattern for push notifications
var DefaultVibrate = []int{200, 100, 200, 100, 200}

// Action is a button on a notification
type Action struct {
	ID    string `json:"action"`
	Label string `json:"title"`
	Icon  string `json:"icon,omitempty"`
}

// Data travels with the notification and comes back on interaction
type Data struct {
	URL            string `json:"url"`
	Source         string `json:"source,omitempty"`
	CorrelationKey string `json:"primaryKey,omitempty"`
	Prayer         string `json:"prayer,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

// Descriptor is a fully defaulted notification, built once and shown once
type Descriptor struct {
	Title              string   `json:"title"`
	Body               string   `json:"body"`
	Icon               string   `json:"icon,omitempty"`
	Badge              string   `json:"badge,omitempty"`
	Image              string   `json:"image,omitempty"`
	Tag                string   `json:"tag"`
	RequireInteraction bool     `json:"requireInteraction"`
	Silent             bool     `json:"silent"`
	Vibrate            []int    `json:"vibrate,omitempty"`
	Timestamp          int64    `json:"timestamp"`
	Data               Data     `json:"data"`
	Actions            []Action `json:"actions,omitempty"`
}

func pushActions() []Action {
	return []Action{
		{ID: ActionOpen, Label: "Открыть приложение", Icon: DefaultBadge},
		{ID: ActionDismiss, Label: "Закрыть", Icon: DefaultBadge},
	}
}

// pushFields is a decoded push object. Each field is read on its own so one
// mistyped field falls back to its default without discarding the others.
type pushFields map[string]json.RawMessage

func (f pushFields) str(key, def string) string {
	var v string
	if raw, ok := f[key]; ok && json.Unmarshal(raw, &v) == nil && v != "" {
		return v
	}
	return def
}

func (f pushFields) boolean(key string, def bool) bool {
	var v bool
	if raw, ok := f[key]; ok && json.Unmarshal(raw, &v) == nil {
		return v
	}
	return def
}

func (f pushFields) millis(key string, def int64) int64 {
	var v float64
	if raw, ok := f[key]; ok && json.Unmarshal(raw, &v) == nil && v > 0 {
		return int64(v)
	}
	return def
}

// primaryKey accepts both string and numeric keys
func primaryKey(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// DecodePush turns a push payload into a descriptor. A payload that is not a JSON
// object is shown as plain text under the default title.
func DecodePush(payload []byte, now time.Time) Descriptor {
	var f pushFields
	if !json.Valid(payload) || !isObject(payload) || json.Unmarshal(payload, &f) != nil {
		f = pushFields{}
		if text, err := json.Marshal(string(payload)); err == nil {
			f["body"] = text
		}
	}
	ts := f.millis("timestamp", now.UnixMilli())
	d := Descriptor{
		Title:              f.str("title", DefaultTitle),
		Body:               f.str("body", DefaultBody),
		Icon:               f.str("icon", DefaultIcon),
		Badge:              f.str("badge", DefaultBadge),
		Image:              f.str("image", ""),
		Tag:                f.str("tag", DefaultTag),
		RequireInteraction: f.boolean("requireInteraction", true),
		Vibrate:            append([]int(nil), DefaultVibrate...),
		Timestamp:          ts,
		Data: Data{
			URL:            f.str("url", f.str("actionUrl", DefaultURL)),
			Source:         SourcePush,
			CorrelationKey: primaryKey(f["primaryKey"]),
			Timestamp:      ts,
		},
		Actions: pushActions(),
	}
	if d.Data.CorrelationKey == "" {
		d.Data.CorrelationKey = uuid.NewString()
	}
	return d
}

func isObject(payload []byte) bool {
	trimmed := strings.TrimSpace(string(payload))
	return strings.HasPrefix(trimmed, "{")
}

// Options is the verbatim notification options a client may send
type Options struct {
	Body               string   `json:"body"`
	Icon               string   `json:"icon"`
	Badge              string   `json:"badge"`
	Image              string   `json:"image"`
	Tag                string   `json:"tag"`
	RequireInteraction bool     `json:"requireInteraction"`
	Silent             bool     `json:"silent"`
	Vibrate            []int    `json:"vibrate"`
	Timestamp          int64    `json:"timestamp"`
	Data               Data     `json:"data"`
	Actions            []Action `json:"actions"`
}

// FromOptions builds a descriptor that shows title and options exactly as given
func FromOptions(title string, o Options, now time.Time) Descriptor {
	ts := o.Timestamp
	if ts == 0 {
		ts = now.UnixMilli()
	}
	return Descriptor{
		Title:              title,
		Body:               o.Body,
		Icon:               o.Icon,
		Badge:              o.Badge,
		Image:              o.Image,
		Tag:                o.Tag,
		RequireInteraction: o.RequireInteraction,
		Silent:             o.Silent,
		Vibrate:            o.Vibrate,
		Timestamp:          ts,
		Data:               o.Data,
		Actions:            o.Actions,
	}
}
