package registry

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/peerbox/pkg/telemetry"
	"github.com/raskyld/peerbox/pkg/wire"
)

// Service maps registry requests onto a PhoneBook. It owns no connection,
// so it can be driven directly in tests.
type Service struct {
	book   *PhoneBook
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func NewService(book *PhoneBook, logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *Service {
	if book == nil {
		book = NewPhoneBook()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		book:   book,
		logger: logger,
		msink:  telemetry.Sink(msink),
		labels: labels,
	}
}

func (svc *Service) PhoneBook() *PhoneBook {
	return svc.book
}

// Handle serves one encoded request and returns the encoded reply.
//
// An error means the peer speaks another version of the protocol. It is
// always wrapping ErrProtocolViolation and the caller must stop serving.
func (svc *Service) Handle(buf []byte) ([]byte, error) {
	req, err := wire.ParseRequest(buf)
	if err != nil {
		svc.msink.IncrCounterWithLabels(
			telemetry.MetricRegistryErrors,
			1.0,
			telemetry.With(svc.labels, telemetry.LabelError.M("protocol_violation")),
		)
		return wire.EmptyReply(), fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}

	svc.msink.IncrCounterWithLabels(
		telemetry.MetricRegistryRequests,
		1.0,
		telemetry.With(svc.labels, telemetry.LabelMsgType.M(req.Type.String())),
	)

	logger := svc.logger.With(telemetry.LabelMsgType.L(req.Type.String()))
	switch req.Type {
	case wire.ContextInit, wire.ContextRequest:
		if req.GroupSize == 0 {
			return wire.EmptyReply(), fmt.Errorf("%w: %s with an empty group", ErrProtocolViolation, req.Type)
		}
		var id wire.ContextID
		if req.Type == wire.ContextInit {
			id = svc.book.ContextInit(req.GroupSize)
		} else {
			id = svc.book.ContextRequest(req.GroupSize)
		}
		svc.msink.SetGaugeWithLabels(
			telemetry.MetricRegistryContexts,
			float32(svc.book.Stats().Contexts),
			svc.labels,
		)
		logger.Debug("context assigned", telemetry.LabelSize.L(req.GroupSize), telemetry.LabelContext.L(id))
		return wire.ValueReply(uint32(id)), nil

	case wire.VAddrRequest:
		addr, known := svc.book.VAddrRequest(req.Context, req.URI)
		if !known {
			logger.Warn("address requested in a context this registry never issued", telemetry.LabelContext.L(req.Context))
		}
		logger.Debug(
			"address assigned",
			telemetry.LabelContext.L(req.Context),
			telemetry.LabelURI.L(req.URI),
			telemetry.LabelVAddr.L(addr),
		)
		return wire.ValueReply(uint32(addr)), nil

	case wire.VAddrLookup:
		uri, found := svc.book.VAddrLookup(req.Context, req.VAddr)
		if found {
			logger.Debug(
				"address resolved",
				telemetry.LabelContext.L(req.Context),
				telemetry.LabelVAddr.L(req.VAddr),
				telemetry.LabelURI.L(uri),
			)
		} else {
			logger.Debug(
				"address unknown, asking to retry",
				telemetry.LabelContext.L(req.Context),
				telemetry.LabelVAddr.L(req.VAddr),
			)
		}
		return wire.LookupReply(uri, found), nil

	case wire.Destruct:
		logger.Debug("peer leaving")
		return wire.EmptyReply(), nil
	}

	// ParseRequest only returns the types handled above.
	panic("unreachable: unhandled message type " + strconv.FormatUint(uint64(req.Type), 10))
}
