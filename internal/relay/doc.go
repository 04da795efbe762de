// Package relay defines the core types shared across the outbound fetch
// engine: batch tasks and results, upstream responses, resource budgets, and
// the collaborator interfaces implemented under internal/.
package relay
