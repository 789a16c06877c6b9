package queue

import (
	"encoding/json"
	"fmt"

	"github.com/metering/backend/internal/domain/metering"
)

// GroupSchemaVersion is the current payload schema for queued aggregation
// groups. Bump it together with groupPayloadV1 when the wire shape changes,
// and keep decoding the old versions: jobs written before a deploy may still
// be sitting on the queue when the new workers come up.
const GroupSchemaVersion = 1

// groupPayloadV1 is the queued wire form of an aggregation group
type groupPayloadV1 struct {
	ProductCode       string            `json:"productCode"`
	CustomerAccountID string            `json:"customerAccountId"`
	Dimension         string            `json:"dimension"`
	Quantity          int64             `json:"quantity"`
	Members           []memberPayloadV1 `json:"members"`
}

type memberPayloadV1 struct {
	CustomerAccountID string `json:"customerAccountId"`
	CreateTimestamp   int64  `json:"createTimestamp"`
}

// EncodeGroup serializes an aggregation group into its current queue payload
func EncodeGroup(group *metering.AggregationGroup) ([]byte, error) {
	payload := groupPayloadV1{
		ProductCode:       group.ProductCode,
		CustomerAccountID: group.CustomerAccountID,
		Dimension:         group.Dimension,
		Quantity:          group.Quantity,
		Members:           make([]memberPayloadV1, len(group.Members)),
	}
	for i, member := range group.Members {
		payload.Members[i] = memberPayloadV1{
			CustomerAccountID: member.CustomerAccountID,
			CreateTimestamp:   member.CreateTimestamp,
		}
	}
	return json.Marshal(payload)
}

// DecodeGroup deserializes a queue payload back into an aggregation group.
// Callers quarantine the job on error instead of failing the batch.
func DecodeGroup(schemaVersion int, payload []byte) (*metering.AggregationGroup, error) {
	switch schemaVersion {
	case 1:
		var p groupPayloadV1
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode group payload v1: %w", err)
		}
		group := &metering.AggregationGroup{
			ProductCode:       p.ProductCode,
			CustomerAccountID: p.CustomerAccountID,
			Dimension:         p.Dimension,
			Quantity:          p.Quantity,
			Members:           make([]metering.RecordKey, len(p.Members)),
		}
		for i, member := range p.Members {
			group.Members[i] = metering.RecordKey{
				CustomerAccountID: member.CustomerAccountID,
				CreateTimestamp:   member.CreateTimestamp,
			}
		}
		return group, nil
	default:
		return nil, fmt.Errorf("unknown group payload schema version %d", schemaVersion)
	}
}
