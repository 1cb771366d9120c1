package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/chunk"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/grouping"
	"github.com/iota-uz/iota-ingest/pkg/queue"
)

// SinkJob is the payload of one sink queue job. Session is the submission
// time in Unix milliseconds; a newer session takes the section over.
type SinkJob struct {
	SinkID  string      `json:"sinkId" validate:"required"`
	SinkURL string      `json:"sinkUrl"`
	Section string      `json:"section" validate:"required"`
	Session int64       `json:"session" validate:"gte=0"`
	Chunk   chunk.Chunk `json:"chunk" validate:"required"`
}

// UpsertJob is the payload of one upsert queue job.
type UpsertJob = grouping.OrganizationBatch

var (
	validate = validator.New(validator.WithRequiredStructEnabled())

	jobIDUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// SinkJobID is deterministic for (sink, section, chunk, session) so a
// duplicate enqueue is visible through Lookup.
func SinkJobID(sinkID, section string, index int, session time.Time) string {
	return fmt.Sprintf("chunk_%s_%s_%d_%d", sinkID, jobIDPart(section), index, session.UnixMilli())
}

func UpsertJobID(sinkID, orgName string, seq int, session time.Time) string {
	return fmt.Sprintf("mongo_submit_%s_%s_%d_%d", sinkID, jobIDPart(orgName), seq, session.UnixMilli())
}

func jobIDPart(s string) string {
	return jobIDUnsafe.ReplaceAllString(s, "-")
}

// decodePayload unmarshals and validates a job payload. Both failures are
// permanent: redelivery cannot fix the bytes.
func decodePayload(msg queue.DispatchedMessage, into any) error {
	if err := json.Unmarshal(msg.Payload, into); err != nil {
		return queue.Permanent(errors.Wrap(err, "decode payload"))
	}
	if err := validate.Struct(into); err != nil {
		return queue.Permanent(errors.Wrap(err, "invalid payload"))
	}
	return nil
}
