package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	domainErrors "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/errors"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/event"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/profile"
	domainSaga "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/saga"
	flow "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/saga"
)

// Step names as recorded in Saga.CurrentStep.
const (
	StepValidate      = "VALIDATE"
	StepCreateProfile = "CREATE_PROFILE"
	StepDeleteProfile = "DELETE_PROFILE"
)

const (
	outcomeUserNotFound  = "user not found, idempotent success"
	actionProfileDeleted = "profile deleted"
	actionNothingCreated = "no profile created, nothing to compensate"
	actionDeletionNoop   = "deletion compensation is a no-op"
	reasonDuplicateUser  = "duplicate user"
)

var errDuplicateUser = errors.New(reasonDuplicateUser)

// run is the state shared by the steps of one execution.
type run struct {
	s *domainSaga.Saga
	// outcome replaces CurrentStep on completion when a step halts the run.
	outcome string
	// action describes what compensation did, for the history row.
	action string
	onStep func(ctx context.Context, name string) error
	// onCreated persists CREATED_PROFILE_ID as soon as the profile exists.
	onCreated func(ctx context.Context) error
}

// steps holds the two saga definitions. Both are stateless and shared by
// the orchestrator and the compensator.
type steps struct {
	profiles     profile.Service
	registration *flow.Saga[*run]
	deletion     *flow.Saga[*run]
}

func newSteps(profiles profile.Service) *steps {
	st := &steps{profiles: profiles}

	st.registration = flow.New[*run]("user-registration").
		BeforeStep(beforeStep).
		AddStep(flow.Step[*run]{
			Name:    StepValidate,
			Execute: st.validateRegistration,
		}).
		AddStep(flow.Step[*run]{
			Name:       StepCreateProfile,
			Execute:    st.createProfile,
			Compensate: st.deleteCreatedProfile,
		})

	st.deletion = flow.New[*run]("user-deletion").
		BeforeStep(beforeStep).
		AddStep(flow.Step[*run]{
			Name:    StepValidate,
			Execute: st.validateDeletion,
		}).
		AddStep(flow.Step[*run]{
			Name:       StepDeleteProfile,
			Execute:    st.deleteProfile,
			Compensate: func(_ context.Context, r *run) error {
				r.action = actionDeletionNoop
				return nil
			},
		})

	return st
}

func beforeStep(ctx context.Context, name string, r *run) error {
	if r.onStep == nil {
		return nil
	}
	return r.onStep(ctx, name)
}

func (st *steps) flowFor(t domainSaga.Type) *flow.Saga[*run] {
	if t == domainSaga.TypeDeletion {
		return st.deletion
	}
	return st.registration
}

// defaultAction is recorded when no compensating step ran.
func defaultAction(t domainSaga.Type) string {
	if t == domainSaga.TypeDeletion {
		return actionDeletionNoop
	}
	return actionNothingCreated
}

func (st *steps) validateRegistration(ctx context.Context, r *run) error {
	p := registrationFromContext(r.s)
	if err := p.Validate(); err != nil {
		return err
	}

	exists, err := st.profiles.ExistsByUserID(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("check user id: %w", err)
	}
	if exists {
		return errDuplicateUser
	}
	exists, err = st.profiles.ExistsByEmail(ctx, p.Email)
	if err != nil {
		return fmt.Errorf("check email: %w", err)
	}
	if exists {
		return errDuplicateUser
	}
	return nil
}

func (st *steps) createProfile(ctx context.Context, r *run) error {
	p := registrationFromContext(r.s)
	attrs := make(map[string]string, len(p.AdditionalAttributes))
	for k, v := range p.AdditionalAttributes {
		attrs[k] = attributeText(v)
	}

	created, err := st.profiles.CreateProfile(ctx, &profile.Profile{
		UserID:      p.UserID,
		SagaID:      r.s.ID,
		Email:       p.Email,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		PhoneNumber: p.PhoneNumber,
		Status:      p.Status,
		Attributes:  attrs,
	})
	if err != nil {
		if !errors.Is(err, domainErrors.ErrDuplicateProfile) {
			return fmt.Errorf("create profile: %w", err)
		}
		// An earlier attempt of this saga may have committed the row before failing.
		owned, lookupErr := st.ownedProfile(ctx, r.s)
		if lookupErr != nil {
			return fmt.Errorf("look up existing profile: %w", lookupErr)
		}
		if owned == nil {
			return fmt.Errorf("%w: %w", errDuplicateUser, err)
		}
		created = owned
	}
	r.s.Context.Set(domainSaga.CtxCreatedProfileID, created.ID)
	if r.onCreated != nil {
		return r.onCreated(ctx)
	}
	return nil
}

// deleteCreatedProfile hard-deletes the profile this saga created. Without
// a recorded id it falls back to the profile stamped with this saga's id,
// so a profile owned by another registration is never touched.
func (st *steps) deleteCreatedProfile(ctx context.Context, r *run) error {
	if !r.s.Context.Has(domainSaga.CtxCreatedProfileID) {
		owned, err := st.ownedProfile(ctx, r.s)
		if err != nil {
			return fmt.Errorf("look up profile of %s: %w", r.s.UserID, err)
		}
		if owned == nil {
			r.action = actionNothingCreated
			return nil
		}
		r.s.Context.Set(domainSaga.CtxCreatedProfileID, owned.ID)
	}
	if err := st.profiles.DeleteProfile(ctx, r.s.UserID); err != nil && !errors.Is(err, domainErrors.ErrProfileNotFound) {
		return fmt.Errorf("delete profile %s: %w", r.s.Context.Value(domainSaga.CtxCreatedProfileID), err)
	}
	r.action = actionProfileDeleted
	return nil
}

// ownedProfile returns the profile of s.UserID if s created it.
func (st *steps) ownedProfile(ctx context.Context, s *domainSaga.Saga) (*profile.Profile, error) {
	p, err := st.profiles.GetByUserID(ctx, s.UserID)
	if err != nil {
		if errors.Is(err, domainErrors.ErrProfileNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if p.SagaID != s.ID {
		return nil, nil
	}
	return p, nil
}

func (st *steps) validateDeletion(ctx context.Context, r *run) error {
	p := event.DeletionPayload{
		UserID: r.s.UserID,
		Reason: r.s.Context.Value(domainSaga.CtxDeletionReason),
	}
	if err := p.Validate(); err != nil {
		return err
	}

	exists, err := st.profiles.ExistsByUserID(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("check user id: %w", err)
	}
	if !exists {
		r.outcome = outcomeUserNotFound
		return flow.ErrHalt
	}
	return nil
}

func (st *steps) deleteProfile(ctx context.Context, r *run) error {
	if err := st.profiles.DeleteProfile(ctx, r.s.UserID); err != nil && !errors.Is(err, domainErrors.ErrProfileNotFound) {
		return fmt.Errorf("delete profile: %w", err)
	}
	r.s.Context.Set(domainSaga.CtxDeletedUserID, r.s.UserID)
	return nil
}

// seedRegistration copies the payload into the saga context so a resumed
// step does not need the original event.
func seedRegistration(s *domainSaga.Saga, p *event.RegistrationPayload) {
	s.Context.Set(domainSaga.CtxEmail, p.Email)
	s.Context.Set(domainSaga.CtxFirstName, p.FirstName)
	s.Context.Set(domainSaga.CtxLastName, p.LastName)
	s.Context.Set(domainSaga.CtxPhoneNumber, p.PhoneNumber)
	s.Context.Set(domainSaga.CtxUserStatus, p.Status)

	keys := make([]string, 0, len(p.AdditionalAttributes))
	for k := range p.AdditionalAttributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.Context.Set(domainSaga.AttributePrefix+k, attributeText(p.AdditionalAttributes[k]))
	}
}

// attributeText renders a free-form attribute value. Strings are kept
// as-is; everything else is stored as its JSON encoding.
func attributeText(v any) string {
	if str, ok := v.(string); ok {
		return str
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func seedDeletion(s *domainSaga.Saga, p *event.DeletionPayload) {
	s.Context.Set(domainSaga.CtxDeletionReason, p.Reason)
}

func registrationFromContext(s *domainSaga.Saga) *event.RegistrationPayload {
	p := &event.RegistrationPayload{
		UserID:      s.UserID,
		Email:       s.Context.Value(domainSaga.CtxEmail),
		FirstName:   s.Context.Value(domainSaga.CtxFirstName),
		LastName:    s.Context.Value(domainSaga.CtxLastName),
		PhoneNumber: s.Context.Value(domainSaga.CtxPhoneNumber),
		Status:      s.Context.Value(domainSaga.CtxUserStatus),
	}
	for _, k := range s.Context.Keys() {
		if name, ok := strings.CutPrefix(k, domainSaga.AttributePrefix); ok {
			if p.AdditionalAttributes == nil {
				p.AdditionalAttributes = make(map[string]any)
			}
			p.AdditionalAttributes[name] = s.Context.Value(k)
		}
	}
	return p
}

// classify maps a step error onto the saga error taxonomy. Errors that are
// not known business failures are treated as transient and left to the
// retry budget.
func classify(err error) (domainSaga.ErrorType, string) {
	var validation *domainErrors.ValidationError
	switch {
	case errors.Is(err, errDuplicateUser):
		return domainSaga.ErrorDuplicateUser, reasonDuplicateUser
	case errors.As(err, &validation):
		return domainSaga.ErrorValidation, validation.Error()
	case errors.Is(err, domainErrors.ErrMalformedEvent):
		return domainSaga.ErrorMalformedEvent, err.Error()
	default:
		return domainSaga.ErrorTransient, err.Error()
	}
}
