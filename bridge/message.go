package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ramadanpath/offline/notify"
)

// Message types a window may send
const (
	TypeSkipWaiting       = "SKIP_WAITING"
	TypeGetVersion        = "GET_VERSION"
	TypeCacheAPIData      = "CACHE_API_DATA"
	TypeRegisterSync      = "REGISTER_SYNC"
	TypeSendNotification  = "SEND_NOTIFICATION"
	TypeUpdateCache       = "UPDATE_CACHE"
	TypeCacheURLs         = "CACHE_URLS"
	TypeFirebaseMessaging = "FIREBASE_MESSAGING"
)

// ErrMalformed is returned for a frame that is not a JSON object with a type
var ErrMalformed = errors.New("bridge: malformed message")

// Message is one of the variants below, or Unknown
type Message interface {
	MessageType() string
}

// SkipWaiting asks the waiting release to activate
type SkipWaiting struct{}

// GetVersion asks for the running release
type GetVersion struct{}

// CacheAPIData stores value as the JSON response for key in the API cache
type CacheAPIData struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// RegisterSync registers a sync or, with Periodic, a periodic sync
type RegisterSync struct {
	Tag      string `json:"tag"`
	Periodic bool   `json:"periodic"`
	// MinInterval is in milliseconds
	MinInterval int64 `json:"minInterval"`
}

// SendNotification shows a notification exactly as given
type SendNotification struct {
	Title   string         `json:"title"`
	Options notify.Options `json:"options"`
}

// UpdateCache fetches one url into the static cache
type UpdateCache struct {
	URL string `json:"url"`
}

// CacheURLs adds urls to the static cache all-or-nothing
type CacheURLs struct {
	URLs []string `json:"urls"`
}

// FirebaseMessaging relays a message from the app's push SDK
type FirebaseMessaging struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url"`
}

// Unknown is any other type; it is logged and ignored
type Unknown struct {
	Type string
}

func (SkipWaiting) MessageType() string       { return TypeSkipWaiting }
func (GetVersion) MessageType() string        { return TypeGetVersion }
func (CacheAPIData) MessageType() string      { return TypeCacheAPIData }
func (RegisterSync) MessageType() string      { return TypeRegisterSync }
func (SendNotification) MessageType() string  { return TypeSendNotification }
func (UpdateCache) MessageType() string       { return TypeUpdateCache }
func (CacheURLs) MessageType() string         { return TypeCacheURLs }
func (FirebaseMessaging) MessageType() string { return TypeFirebaseMessaging }
func (u Unknown) MessageType() string         { return u.Type }

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses {type, data}. Fields may also sit next to type instead of under data.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	payload := raw
	if len(env.Data) > 0 && string(env.Data) != "null" {
		payload = env.Data
	}
	var msg Message
	switch env.Type {
	case TypeSkipWaiting:
		return SkipWaiting{}, nil
	case TypeGetVersion:
		return GetVersion{}, nil
	case TypeCacheAPIData:
		msg = &CacheAPIData{}
	case TypeRegisterSync:
		msg = &RegisterSync{}
	case TypeSendNotification:
		msg = &SendNotification{}
	case TypeUpdateCache:
		msg = &UpdateCache{}
	case TypeCacheURLs:
		msg = &CacheURLs{}
	case TypeFirebaseMessaging:
		msg = &FirebaseMessaging{}
	default:
		return Unknown{Type: env.Type}, nil
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrMalformed, env.Type, err)
	}
	return msg, nil
}
