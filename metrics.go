package agora

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricMailboxPutCount        = []string{"agora", "mailbox", "put", "count"}
	MetricMailboxBackpressure    = []string{"agora", "mailbox", "backpressure", "count"}
	MetricMessageDroppedCount    = []string{"agora", "message", "dropped", "count"}
	MetricMessageSentErrorCount  = []string{"agora", "message", "sent", "error", "count"}
	MetricLoginCount             = []string{"agora", "login", "count"}
	MetricLogoutCount            = []string{"agora", "logout", "count"}
	MetricBroadcastCount         = []string{"agora", "broadcast", "count"}
	MetricRoutesSize             = []string{"agora", "routes", "size"}
	MetricLocalUsersSize         = []string{"agora", "local", "users", "size"}
	MetricRegisteredUsersSize    = []string{"agora", "registry", "users", "size"}
	MetricMembershipSize         = []string{"agora", "membership", "size"}
	MetricRouterThrottledCount   = []string{"agora", "router", "throttled", "count"}
	MetricFrameOutBytes          = []string{"agora", "transport", "frame", "out", "bytes"}
	MetricFrameOutErrorCount     = []string{"agora", "transport", "frame", "out", "error", "count"}
	MetricFrameInBytes           = []string{"agora", "transport", "frame", "in", "bytes"}
	MetricFrameInErrorCount      = []string{"agora", "transport", "frame", "in", "error", "count"}
	MetricConnEstCount           = []string{"agora", "transport", "connection", "established", "count"}
	MetricDirectoryNameConflicts = []string{"agora", "directory", "name", "conflicts", "count"}
	MetricDirectoryNamesSize     = []string{"agora", "directory", "names", "size"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelPeerName    TelemetryLabel = "peer_name"
	LabelMailbox     TelemetryLabel = "mailbox"
	LabelMailboxName TelemetryLabel = "mailbox_name"
	LabelMessageType TelemetryLabel = "message_type"
	LabelUserName    TelemetryLabel = "user_name"
	LabelConnID      TelemetryLabel = "conn_id"
	LabelReason      TelemetryLabel = "reason"
	LabelOutcome     TelemetryLabel = "outcome"
	LabelActor       TelemetryLabel = "actor"
	LabelDuration    TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels returns static labels extended with extra, never aliasing
// the static slice.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(static)+len(extra))
	labels = append(labels, static...)
	return append(labels, extra...)
}
