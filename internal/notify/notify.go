// Package notify hands rendered notification requests to transport
// collaborators. Delivery runs asynchronously: the engine never blocks
// on a transport, and a failed send is logged and reported through the
// error handler rather than propagated.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vigilops/vigil/internal/apperrors"
	"github.com/vigilops/vigil/internal/config"
	"github.com/vigilops/vigil/internal/database"
	"github.com/vigilops/vigil/internal/metrics"
)

// Request is one notification dispatch request: everything a transport
// needs to deliver a tier's notification.
type Request struct {
	AlertUUID   string            `json:"alert_uuid"`
	Fingerprint string            `json:"fingerprint"`
	Severity    database.Severity `json:"severity"`
	Tier        int               `json:"tier"`
	Targets     []string          `json:"targets"`
	Summary     string            `json:"summary"`
	FiredAt     time.Time         `json:"fired_at"`
}

// Sender delivers a request over one channel
type Sender interface {
	Send(ctx context.Context, req *Request) error
}

// ErrorHandler receives transport failures after the fact
type ErrorHandler func(req *Request, channel config.Channel, err error)

const sendTimeout = 10 * time.Second

// Dispatcher fans a request out to its channels, one goroutine per
// channel. Unregistered channels fall back to the log sender so a
// notification is never silently dropped.
type Dispatcher struct {
	senders  map[config.Channel]Sender
	fallback Sender
	onError  ErrorHandler
}

// NewDispatcher creates a dispatcher with the log sender as fallback
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		senders:  make(map[config.Channel]Sender),
		fallback: NewLogSender("unrouted"),
	}
}

// Register routes a channel to a sender
func (d *Dispatcher) Register(channel config.Channel, sender Sender) {
	d.senders[channel] = sender
}

// SetErrorHandler installs the transport-failure callback
func (d *Dispatcher) SetErrorHandler(h ErrorHandler) {
	d.onError = h
}

// Dispatch sends the request on every channel and returns immediately
func (d *Dispatcher) Dispatch(channels []config.Channel, req *Request) {
	for _, channel := range channels {
		sender, ok := d.senders[channel]
		if !ok {
			sender = d.fallback
		}
		go d.send(channel, sender, req)
	}
}

func (d *Dispatcher) send(channel config.Channel, sender Sender, req *Request) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := sender.Send(ctx, req); err != nil {
		wrapped := fmt.Errorf("%w: %s delivery for alert %s: %v", apperrors.ErrTransport, channel, req.AlertUUID, err)
		log.Printf("Notification dispatch failed: %v", wrapped)
		metrics.NotificationFailures.WithLabelValues(string(channel)).Inc()
		if d.onError != nil {
			d.onError(req, channel, wrapped)
		}
	}
}
