// Package protocol defines the client wire messages and their codecs.
package protocol

import (
	"mdbroker/internal/model"
	"mdbroker/internal/model/enum"
)

// Message is one decoded protocol frame. The concrete types below are the
// only implementations.
type Message interface {
	Kind() Kind
}

// Kind tags a message on the wire.
type Kind string

const (
	KindConnectionRequest    Kind = "ConnectionRequest"
	KindConnectionResponse   Kind = "ConnectionResponse"
	KindSubscribeRequest     Kind = "SubscribeRequest"
	KindSubscriptionResponse Kind = "SubscriptionResponse"
	KindUnsubscribeRequest   Kind = "UnsubscribeRequest"
	KindSnapshotRequest      Kind = "SnapshotRequest"
	KindSnapshotResponse     Kind = "SnapshotResponse"
	KindUpdateMessage        Kind = "UpdateMessage"
)

type ConnectionRequest struct {
	UserName string
}

type ConnectionResponse struct {
	Result enum.ConnectionResult
}

type SubscribeRequest struct {
	CorrelationID       model.CorrelationID
	ExternalID          model.ExternalIDBundle
	NormalizationScheme string
}

type SubscriptionResponse struct {
	CorrelationID model.CorrelationID
	Status        enum.Status
	Snapshot      model.Fields
	Reason        string
}

type UnsubscribeRequest struct {
	CorrelationID       model.CorrelationID
	ExternalID          model.ExternalIDBundle
	NormalizationScheme string
}

type SnapshotRequest struct {
	CorrelationID       model.CorrelationID
	ExternalID          model.ExternalIDBundle
	NormalizationScheme string
}

type SnapshotResponse struct {
	CorrelationID model.CorrelationID
	Status        enum.Status
	Values        model.Fields
	Reason        string
}

type UpdateMessage struct {
	CorrelationID model.CorrelationID
	Fields        model.Fields
}

func (ConnectionRequest) Kind() Kind    { return KindConnectionRequest }
func (ConnectionResponse) Kind() Kind   { return KindConnectionResponse }
func (SubscribeRequest) Kind() Kind     { return KindSubscribeRequest }
func (SubscriptionResponse) Kind() Kind { return KindSubscriptionResponse }
func (UnsubscribeRequest) Kind() Kind   { return KindUnsubscribeRequest }
func (SnapshotRequest) Kind() Kind      { return KindSnapshotRequest }
func (SnapshotResponse) Kind() Kind     { return KindSnapshotResponse }
func (UpdateMessage) Kind() Kind        { return KindUpdateMessage }
