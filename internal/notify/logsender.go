package notify

import (
	"context"
	"log"
	"strings"
)

// LogSender writes the dispatch request to the log. It is the handoff
// point for transports this engine does not own (email, sms) and the
// fallback for unrouted channels.
type LogSender struct {
	channel string
}

// NewLogSender creates a log sender labelled with a channel name
func NewLogSender(channel string) *LogSender {
	return &LogSender{channel: channel}
}

// Send implements Sender
func (s *LogSender) Send(_ context.Context, req *Request) error {
	log.Printf("[notify:%s] alert=%s severity=%s tier=%d targets=%s summary=%q",
		s.channel, req.AlertUUID, req.Severity, req.Tier,
		strings.Join(req.Targets, ","), req.Summary)
	return nil
}
