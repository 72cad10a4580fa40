package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// csvColumns is the fixed export column order.
var csvColumns = []string{
	"id", "event_type", "timestamp", "resource", "workflow_id", "robot_id",
	"user_id", "success", "error_message", "client_ip", "metadata", "hash_chain",
}

type jsonExport struct {
	ExportedAt time.Time `json:"exported_at"`
	EventCount int       `json:"event_count"`
	Events     []*Event  `json:"events"`
}

// ExportJSON renders matching events as a single JSON document.
func (r *Repository) ExportJSON(ctx context.Context, f Filter) ([]byte, error) {
	events, err := r.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*Event{}
	}
	doc := jsonExport{
		ExportedAt: time.Now().UTC(),
		EventCount: len(events),
		Events:     events,
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal audit export: %w", err)
	}
	return out, nil
}

// ExportCSV renders matching events with a fixed column order.
func (r *Repository) ExportCSV(ctx context.Context, f Filter) ([]byte, error) {
	events, err := r.Query(ctx, f)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvColumns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, e := range events {
		metadata := ""
		if e.Metadata != nil {
			blob, err := json.Marshal(e.Metadata)
			if err != nil {
				return nil, fmt.Errorf("marshal metadata for %s: %w", e.ID, err)
			}
			metadata = string(blob)
		}
		row := []string{
			e.ID, e.EventType, e.Timestamp.Format(tsFormat), e.Resource,
			string(e.WorkflowID), string(e.RobotID), e.UserID,
			strconv.FormatBool(e.Success), e.ErrorMessage, e.ClientIP,
			metadata, e.HashChain,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
