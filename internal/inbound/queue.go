// Package inbound decouples the WhatsApp webhook from conversation
// recording: the handler acknowledges Meta fast and enqueues a job, and
// a worker pool records it through the conversation core.
package inbound

import (
	"context"
	"time"
)

type queueClient interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// JobKind discriminates queued webhook payloads.
type JobKind string

const (
	// JobMessage is an inbound patient message.
	JobMessage JobKind = "message"
	// JobStatus is a delivery-status callback for an outbound message.
	JobStatus JobKind = "status"
)

// Job is one unit of webhook work.
type Job struct {
	ID                string    `json:"id"`
	Kind              JobKind   `json:"kind"`
	ClinicID          string    `json:"clinic_id"`
	PatientWAID       string    `json:"patient_wa_id,omitempty"`
	PatientPhone      string    `json:"patient_phone,omitempty"`
	PatientName       string    `json:"patient_name,omitempty"`
	Body              string    `json:"body,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Status            string    `json:"status,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	ReceivedAt        time.Time `json:"received_at,omitempty"`
}
