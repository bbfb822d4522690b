package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ramadanpath/offline/eventing"
)

type openRequest struct {
	URL string `json:"url"`
}

type openReply struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// EventOpener asks the host shell to open windows over the event bus. The shell
// replies with the url it opened; the window itself shows up later through the Hub.
type EventOpener struct {
	bus      eventing.Client
	registry *Registry
	timeout  time.Duration
}

var _ Opener = (*EventOpener)(nil)

// NewEventOpener returns an opener publishing to eventing.SubjectClientsOpen
func NewEventOpener(bus eventing.Client, registry *Registry, timeout time.Duration) *EventOpener {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EventOpener{bus: bus, registry: registry, timeout: timeout}
}

func (o *EventOpener) OpenWindow(ctx context.Context, url string) (Window, error) {
	buf, err := json.Marshal(openRequest{URL: url})
	if err != nil {
		return nil, err
	}
	msg, err := o.bus.Request(ctx, eventing.SubjectClientsOpen, buf, o.timeout,
		eventing.WithHeader("content-type", "application/json"))
	if err != nil {
		return nil, fmt.Errorf("open window %s: %w", url, err)
	}
	var reply openReply
	if err := json.Unmarshal(msg.Data(), &reply); err != nil {
		return nil, fmt.Errorf("open window %s: invalid reply: %w", url, err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("open window %s: %s", url, reply.Error)
	}
	if reply.URL == "" {
		reply.URL = url
	}
	return o.registry.FindByURL(reply.URL), nil
}
