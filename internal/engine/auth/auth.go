package auth

import (
	"fmt"
	"sort"

	"carebrain/internal/domain"
)

const (
	PermObservationSubmit = "observation.submit"
	PermFamilyWrite       = "family.write"
	PermStateRead         = "state.read"
	PermStateTransition   = "state.transition"
	PermEmergencyRaise    = "emergency.raise"
	PermSignalRead        = "signal.read"
	PermSignalDismiss     = "signal.dismiss"
	PermExceptionRead     = "exception.read"
	PermExceptionTriage   = "exception.triage"
	PermExceptionResolve  = "exception.resolve"
	PermTaskRead          = "task.read"
	PermTaskWrite         = "task.write"
	PermTimelineRead      = "timeline.read"
	PermResidentWrite     = "resident.write"
	PermRulesWrite        = "rules.write"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	ActorType  string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required (actor type %s)", e.Permission, e.ActorType)
}

// Service answers permission questions from the configured grants, keyed
// by actor type. A nil grant table allows everything.
type Service struct {
	Grants map[string][]string
}

func (s Service) Allowed(actorType, perm string) bool {
	if s.Grants == nil {
		return true
	}
	for _, p := range s.Grants[actorType] {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

func (s Service) Require(actor domain.Actor, perm string) error {
	if !s.Allowed(actor.Type, perm) {
		return ForbiddenError{ActorType: actor.Type, Permission: perm}
	}
	return nil
}

// Permissions lists the grants of an actor type in sorted order.
func (s Service) Permissions(actorType string) []string {
	perms := append([]string(nil), s.Grants[actorType]...)
	sort.Strings(perms)
	return perms
}

// KnownActorType reports whether t is one of the fixed actor types.
func KnownActorType(t string) bool {
	switch t {
	case domain.ActorFamily, domain.ActorCaregiver, domain.ActorSupervisor, domain.ActorAgency, domain.ActorSystem, domain.ActorDevice:
		return true
	}
	return false
}
