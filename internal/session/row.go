package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/szaher/checkin/internal/stage"
)

// turnRow is the column layout shared by the SQL backends.
type turnRow struct {
	seq         int64
	turnID      string
	role        string
	stage       string
	payload     string
	auxiliary   sql.NullString
	state       sql.NullString
	createdAtMs int64
}

func encodeRow(t Turn) (turnRow, error) {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return turnRow{}, fmt.Errorf("marshal payload: %w", err)
	}
	r := turnRow{
		seq:         t.Seq,
		turnID:      t.ID,
		role:        string(t.Role),
		stage:       string(t.Stage),
		payload:     string(payload),
		createdAtMs: t.Timestamp.UnixMilli(),
	}
	if t.Auxiliary != nil {
		b, err := json.Marshal(t.Auxiliary)
		if err != nil {
			return turnRow{}, fmt.Errorf("marshal auxiliary: %w", err)
		}
		r.auxiliary = sql.NullString{String: string(b), Valid: true}
	}
	if t.State != nil {
		b, err := json.Marshal(t.State)
		if err != nil {
			return turnRow{}, fmt.Errorf("marshal state: %w", err)
		}
		r.state = sql.NullString{String: string(b), Valid: true}
	}
	return r, nil
}

func (r turnRow) decode(sessionID string) (Turn, error) {
	t := Turn{
		ID:        r.turnID,
		SessionID: sessionID,
		Seq:       r.seq,
		Role:      Role(r.role),
		Stage:     stage.Name(r.stage),
		Timestamp: time.UnixMilli(r.createdAtMs).UTC(),
	}
	if err := json.Unmarshal([]byte(r.payload), &t.Payload); err != nil {
		return Turn{}, fmt.Errorf("unmarshal payload of turn %s: %w", r.turnID, err)
	}
	if r.auxiliary.Valid {
		t.Auxiliary = &Auxiliary{}
		if err := json.Unmarshal([]byte(r.auxiliary.String), t.Auxiliary); err != nil {
			return Turn{}, fmt.Errorf("unmarshal auxiliary of turn %s: %w", r.turnID, err)
		}
	}
	if r.state.Valid {
		t.State = &State{}
		if err := json.Unmarshal([]byte(r.state.String), t.State); err != nil {
			return Turn{}, fmt.Errorf("unmarshal state of turn %s: %w", r.turnID, err)
		}
	}
	return t, nil
}
