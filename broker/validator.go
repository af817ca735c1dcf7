package broker

import (
	"fmt"

	"github.com/alwitt/campusmq/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// RequestValidator validates and authorizes subscribe requests before any
// table mutation occurs. Stateless beyond its deny-list, safe to call from
// any goroutine.
type RequestValidator interface {
	ValidateRequest(request SubscribeRequest) error
	AuthorizeRequest(request SubscribeRequest) error
}

// requestValidatorImpl implements RequestValidator
type requestValidatorImpl struct {
	common.Component
	validate   *validator.Validate
	privileged map[string]bool
}

// DefineRequestValidator create new subscribe request validator
func DefineRequestValidator(privilegedEventTypes []string) (RequestValidator, error) {
	logTags := log.Fields{
		"module": "broker", "component": "request-validator",
	}
	privileged := map[string]bool{}
	for _, eventType := range privilegedEventTypes {
		privileged[eventType] = true
	}
	return &requestValidatorImpl{
		Component:  common.Component{LogTags: logTags},
		validate:   validator.New(),
		privileged: privileged,
	}, nil
}

// ValidateRequest verify the request carries an ID, a predicate with a
// recognizable subscription shape, and a connection handle
func (v *requestValidatorImpl) ValidateRequest(request SubscribeRequest) error {
	if err := v.validate.Struct(&request); err != nil {
		log.WithError(err).WithFields(v.LogTags).Debugf(
			"Rejected malformed subscribe request %s", request.ID,
		)
		return ValidationError{Message: fmt.Sprintf("invalid subscribe request: %s", err)}
	}
	if request.Connection == nil {
		return ValidationError{
			Message: fmt.Sprintf("subscribe request %s carries no connection", request.ID),
		}
	}
	if !HasSubscriptionShape(request.Query) {
		return ValidationError{
			Message: fmt.Sprintf(
				"subscribe request %s predicate is not a subscription declaration", request.ID,
			),
		}
	}
	return nil
}

// AuthorizeRequest deny subscriptions against privileged event types unless the
// caller's role permits them
func (v *requestValidatorImpl) AuthorizeRequest(request SubscribeRequest) error {
	eventType := ExtractEventType(request.Query)
	if !v.privileged[eventType] {
		return nil
	}
	role := ""
	if request.Auth != nil {
		role = request.Auth.Role
	}
	if role != "admin" {
		log.WithFields(v.LogTags).Infof(
			"Denied subscription %s on privileged type %s for role '%s'",
			request.ID, eventType, role,
		)
		return AuthorizationError{
			Message: fmt.Sprintf(
				"role '%s' may not subscribe to event type %s", role, eventType,
			),
		}
	}
	return nil
}
