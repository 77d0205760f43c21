// Package ledger keeps a tamper-evident, append-only record of finished
// steps. Each record carries the hash of its predecessor and an ed25519
// signature over its own hash.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Record is one ledger line.
type Record struct {
	Index      int    `json:"index"`
	Timestamp  string `json:"timestamp"`
	RunID      string `json:"run"`
	Job        string `json:"job"`
	Instance   string `json:"instance"`
	Step       string `json:"step"`
	State      string `json:"state"`
	OutputHash string `json:"outputHash"`
	PrevHash   string `json:"prevHash"`
	Hash       string `json:"hash"`
	AgentID    string `json:"agentId"`
	Signature  string `json:"signature"`
	PubKey     string `json:"pubKey"`
}

// canonical excludes Hash, Signature and PubKey.
func (r *Record) canonical() ([]byte, error) {
	return json.Marshal(struct {
		Index      int    `json:"index"`
		Timestamp  string `json:"timestamp"`
		RunID      string `json:"run"`
		Job        string `json:"job"`
		Instance   string `json:"instance"`
		Step       string `json:"step"`
		State      string `json:"state"`
		OutputHash string `json:"outputHash"`
		PrevHash   string `json:"prevHash"`
		AgentID    string `json:"agentId"`
	}{r.Index, r.Timestamp, r.RunID, r.Job, r.Instance, r.Step, r.State, r.OutputHash, r.PrevHash, r.AgentID})
}

// ComputeHash returns the hex sha256 of the canonical fields.
func (r *Record) ComputeHash() (string, error) {
	data, err := r.canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
