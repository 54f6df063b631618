// Package core defines the shared identity and message data model used by the
// bus, the planners and the deliberation coordinator. Participants form a
// closed set: the user, the system, the Magi broadcast group and the three
// reasoning agents. Messages are immutable value types once constructed.
package core
