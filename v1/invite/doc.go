// Package invite wires the coordination primitives into the pipeline the
// CLI runs: every account token is handed to an external Agent, which joins
// the target community and reports the account's username; the username is
// then claimed under its lock and recorded in the run's ledger. When all
// workers are done the ledger members are passed to a Promoter in one batch
// and a summary of joined versus offered accounts is produced.
package invite
