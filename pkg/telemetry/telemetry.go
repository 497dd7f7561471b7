// Package telemetry declares the metric names and the label keys shared by
// every peerbox component, so logs and metrics agree on attribute names.
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricInboxBufferedBytes is the number of bytes currently held by an
	// inbox, waiting to be consumed.
	MetricInboxBufferedBytes  = []string{"peerbox", "inbox", "buffered", "bytes"}
	MetricInboxEnqueuedBytes  = []string{"peerbox", "inbox", "enqueued", "bytes"}
	MetricInboxDequeuedBytes  = []string{"peerbox", "inbox", "dequeued", "bytes"}
	MetricInboxBackpressure   = []string{"peerbox", "inbox", "backpressure", "count"}
	MetricLinkFrameInBytes    = []string{"peerbox", "link", "frame", "in", "bytes"}
	MetricLinkFrameOutBytes   = []string{"peerbox", "link", "frame", "out", "bytes"}
	MetricLinkFrameInErrors   = []string{"peerbox", "link", "frame", "in", "error", "count"}
	MetricLinkFrameOutErrors  = []string{"peerbox", "link", "frame", "out", "error", "count"}
	MetricLinkConnEstCount    = []string{"peerbox", "link", "connection", "established", "count"}
	MetricLinkConnErrorCount  = []string{"peerbox", "link", "connection", "error", "count"}
	MetricLinkBindRetryCount  = []string{"peerbox", "link", "bind", "retry", "count"}
	MetricLinkUDPBufferBytes  = []string{"peerbox", "link", "udp", "buffer", "size", "bytes"}
	MetricRegistryRequests    = []string{"peerbox", "registry", "request", "count"}
	MetricRegistryErrors      = []string{"peerbox", "registry", "error", "count"}
	MetricRegistryContexts    = []string{"peerbox", "registry", "contexts"}
	MetricRegistryLookupRetry = []string{"peerbox", "registry", "lookup", "retry", "count"}
	MetricPeerCollective      = []string{"peerbox", "peer", "collective", "count"}
	MetricPeerCollectiveTime  = []string{"peerbox", "peer", "collective", "duration"}
)

type TelemetryLabel string

var (
	LabelError      TelemetryLabel = "error"
	LabelURI        TelemetryLabel = "uri"
	LabelPeerURI    TelemetryLabel = "peer_uri"
	LabelContext    TelemetryLabel = "context"
	LabelVAddr      TelemetryLabel = "vaddr"
	LabelTag        TelemetryLabel = "tag"
	LabelMsgType    TelemetryLabel = "msg_type"
	LabelTransport  TelemetryLabel = "transport"
	LabelCollective TelemetryLabel = "collective"
	LabelSession    TelemetryLabel = "session"
	LabelDuration   TelemetryLabel = "duration"
	LabelSize       TelemetryLabel = "size"
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

// With returns a copy of base extended with extra, so callers never alias
// the static label slice of their configuration.
func With(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(base)+len(extra))
	labels = append(labels, base...)
	return append(labels, extra...)
}

// Sink returns ms, or the global sink when ms is nil.
func Sink(ms metrics.MetricSink) metrics.MetricSink {
	if ms == nil {
		return metrics.Default()
	}
	return ms
}

// Logger returns a logger for handler, or the default logger when handler
// is nil.
func Logger(handler slog.Handler) *slog.Logger {
	if handler == nil {
		return slog.Default()
	}
	return slog.New(handler)
}
