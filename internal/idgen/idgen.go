// Package idgen generates identifiers: random nanoids and the default
// labels given to swarm workers that the caller did not name.
package idgen

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 48-character nanoid using an alphanumeric alphabet.
// No other package in the orchestrator calls it at present: RPC request
// ids are fixed strings and audit-log entries use the database's row id.
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 48)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// AgentLabel returns the default label for the i-th swarm worker (0-based)
// when the caller did not supply one: "agent-1", "agent-2", ...
func AgentLabel(i int) string {
	return fmt.Sprintf("agent-%d", i+1)
}
