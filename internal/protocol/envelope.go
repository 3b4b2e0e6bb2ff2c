package protocol

import (
	"mdbroker/internal/model"
	"mdbroker/internal/model/enum"
	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
)

// envelope is the flat wire shape shared by every codec.
type envelope struct {
	Type                string             `json:"type" cbor:"type"`
	UserName            string             `json:"userName,omitempty" cbor:"userName,omitempty"`
	Result              string             `json:"result,omitempty" cbor:"result,omitempty"`
	CorrelationID       *int64             `json:"correlationId,omitempty" cbor:"correlationId,omitempty"`
	ExternalID          []model.ExternalID `json:"externalId,omitempty" cbor:"externalId,omitempty"`
	NormalizationScheme string             `json:"normalizationScheme,omitempty" cbor:"normalizationScheme,omitempty"`
	Status              string             `json:"status,omitempty" cbor:"status,omitempty"`
	Snapshot            map[string]any     `json:"snapshot,omitempty" cbor:"snapshot,omitempty"`
	Values              map[string]any     `json:"values,omitempty" cbor:"values,omitempty"`
	Fields              map[string]any     `json:"fields,omitempty" cbor:"fields,omitempty"`
	Reason              string             `json:"reason,omitempty" cbor:"reason,omitempty"`
}

func corr(id model.CorrelationID) *int64 {
	v := int64(id)
	return &v
}

func toEnvelope(msg Message) (envelope, error) {
	switch m := msg.(type) {
	case ConnectionRequest:
		return envelope{Type: string(KindConnectionRequest), UserName: m.UserName}, nil
	case ConnectionResponse:
		if !m.Result.IsAvailable() {
			return envelope{}, errors.Wrap(exception.ErrInvalidArgument, "connection result")
		}
		return envelope{Type: string(KindConnectionResponse), Result: m.Result.String()}, nil
	case SubscribeRequest:
		return envelope{Type: string(KindSubscribeRequest), CorrelationID: corr(m.CorrelationID), ExternalID: m.ExternalID.IDs(), NormalizationScheme: m.NormalizationScheme}, nil
	case UnsubscribeRequest:
		return envelope{Type: string(KindUnsubscribeRequest), CorrelationID: corr(m.CorrelationID), ExternalID: m.ExternalID.IDs(), NormalizationScheme: m.NormalizationScheme}, nil
	case SnapshotRequest:
		return envelope{Type: string(KindSnapshotRequest), CorrelationID: corr(m.CorrelationID), ExternalID: m.ExternalID.IDs(), NormalizationScheme: m.NormalizationScheme}, nil
	case SubscriptionResponse:
		if !m.Status.IsAvailable() {
			return envelope{}, errors.Wrap(exception.ErrInvalidArgument, "subscription status")
		}
		return envelope{Type: string(KindSubscriptionResponse), CorrelationID: corr(m.CorrelationID), Status: m.Status.String(), Snapshot: m.Snapshot, Reason: m.Reason}, nil
	case SnapshotResponse:
		if !m.Status.IsAvailable() {
			return envelope{}, errors.Wrap(exception.ErrInvalidArgument, "snapshot status")
		}
		return envelope{Type: string(KindSnapshotResponse), CorrelationID: corr(m.CorrelationID), Status: m.Status.String(), Values: m.Values, Reason: m.Reason}, nil
	case UpdateMessage:
		return envelope{Type: string(KindUpdateMessage), CorrelationID: corr(m.CorrelationID), Fields: m.Fields}, nil
	default:
		return envelope{}, errors.Wrapf(exception.ErrUnknownMessage, "%T", msg)
	}
}

func fromEnvelope(env envelope) (Message, error) {
	switch Kind(env.Type) {
	case KindConnectionRequest:
		return ConnectionRequest{UserName: env.UserName}, nil
	case KindConnectionResponse:
		result, ok := enum.ParseConnectionResult(env.Result)
		if !ok {
			return nil, errors.Wrapf(exception.ErrMalformedMessage, "connection result %q", env.Result)
		}
		return ConnectionResponse{Result: result}, nil
	case KindSubscribeRequest, KindUnsubscribeRequest, KindSnapshotRequest:
		id, err := requireCorrelation(env)
		if err != nil {
			return nil, err
		}
		bundle, err := parseBundle(env.ExternalID)
		if err != nil {
			return nil, err
		}
		switch Kind(env.Type) {
		case KindSubscribeRequest:
			return SubscribeRequest{CorrelationID: id, ExternalID: bundle, NormalizationScheme: env.NormalizationScheme}, nil
		case KindUnsubscribeRequest:
			return UnsubscribeRequest{CorrelationID: id, ExternalID: bundle, NormalizationScheme: env.NormalizationScheme}, nil
		default:
			return SnapshotRequest{CorrelationID: id, ExternalID: bundle, NormalizationScheme: env.NormalizationScheme}, nil
		}
	case KindSubscriptionResponse, KindSnapshotResponse:
		id, err := requireCorrelation(env)
		if err != nil {
			return nil, err
		}
		status, ok := enum.ParseStatus(env.Status)
		if !ok {
			return nil, errors.Wrapf(exception.ErrMalformedMessage, "status %q", env.Status)
		}
		if Kind(env.Type) == KindSubscriptionResponse {
			return SubscriptionResponse{CorrelationID: id, Status: status, Snapshot: env.Snapshot, Reason: env.Reason}, nil
		}
		return SnapshotResponse{CorrelationID: id, Status: status, Values: env.Values, Reason: env.Reason}, nil
	case KindUpdateMessage:
		id, err := requireCorrelation(env)
		if err != nil {
			return nil, err
		}
		return UpdateMessage{CorrelationID: id, Fields: env.Fields}, nil
	case "":
		return nil, errors.Wrap(exception.ErrMalformedMessage, "missing type")
	default:
		return nil, errors.Wrapf(exception.ErrUnknownMessage, "type %q", env.Type)
	}
}

func requireCorrelation(env envelope) (model.CorrelationID, error) {
	if env.CorrelationID == nil {
		return 0, errors.Wrapf(exception.ErrMalformedMessage, "%s without correlationId", env.Type)
	}
	return model.CorrelationID(*env.CorrelationID), nil
}

func parseBundle(ids []model.ExternalID) (model.ExternalIDBundle, error) {
	for _, id := range ids {
		if !id.IsValid() {
			return model.ExternalIDBundle{}, errors.Wrapf(exception.ErrMalformedMessage, "external id %q", id.String())
		}
	}
	return model.NewBundle(ids...), nil
}
