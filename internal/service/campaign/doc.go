// Package campaign implements the operator lifecycle of notification
// campaigns: create, activate, pause, resume, complete and cooldown reset.
//
// The service layer validates rules and templates before anything is
// persisted and guards every status change with a compare-and-set on the
// stored status, so an operator transition never clobbers a concurrent
// scheduler halt. It depends on repository interfaces defined in this
// package and should never import from api/.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package campaign
