package broker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSubscribeRequestValidation(t *testing.T) {
	assert := assert.New(t)

	uut, err := DefineRequestValidator([]string{"adminAnnouncement"})
	assert.Nil(err)

	conn := newMockConnection(4)

	// Case 0: valid request
	{
		request := SubscribeRequest{
			ID:         uuid.New().String(),
			Query:      testSubscriptionQuery("courseUpdated"),
			Connection: conn,
		}
		assert.Nil(uut.ValidateRequest(request))
	}

	// Case 1: missing ID
	{
		request := SubscribeRequest{
			Query:      testSubscriptionQuery("courseUpdated"),
			Connection: conn,
		}
		err := uut.ValidateRequest(request)
		assert.NotNil(err)
		assert.IsType(ValidationError{}, err)
	}

	// Case 2: missing predicate
	{
		request := SubscribeRequest{ID: uuid.New().String(), Connection: conn}
		err := uut.ValidateRequest(request)
		assert.NotNil(err)
		assert.IsType(ValidationError{}, err)
	}

	// Case 3: missing connection
	{
		request := SubscribeRequest{
			ID: uuid.New().String(), Query: testSubscriptionQuery("courseUpdated"),
		}
		err := uut.ValidateRequest(request)
		assert.NotNil(err)
		assert.IsType(ValidationError{}, err)
	}

	// Case 4: predicate without subscription shape
	{
		request := SubscribeRequest{
			ID:         uuid.New().String(),
			Query:      "query { courses { id } }",
			Connection: conn,
		}
		err := uut.ValidateRequest(request)
		assert.NotNil(err)
		assert.IsType(ValidationError{}, err)
	}
}

func TestSubscribeRequestAuthorization(t *testing.T) {
	assert := assert.New(t)

	uut, err := DefineRequestValidator([]string{"adminAnnouncement", "gradeOverride"})
	assert.Nil(err)

	conn := newMockConnection(4)

	// Case 0: unprivileged type needs no role
	{
		request := SubscribeRequest{
			ID:         uuid.New().String(),
			Query:      testSubscriptionQuery("courseUpdated"),
			Connection: conn,
		}
		assert.Nil(uut.AuthorizeRequest(request))
	}

	// Case 1: privileged type denied for student
	{
		request := SubscribeRequest{
			ID:         uuid.New().String(),
			Query:      testSubscriptionQuery("adminAnnouncement"),
			Connection: conn,
			Auth:       &AuthContext{UserID: "u1", Role: "student"},
		}
		err := uut.AuthorizeRequest(request)
		assert.NotNil(err)
		assert.IsType(AuthorizationError{}, err)
	}

	// Case 2: privileged type denied with no auth context
	{
		request := SubscribeRequest{
			ID:         uuid.New().String(),
			Query:      testSubscriptionQuery("gradeOverride"),
			Connection: conn,
		}
		err := uut.AuthorizeRequest(request)
		assert.NotNil(err)
		assert.IsType(AuthorizationError{}, err)
	}

	// Case 3: privileged type allowed for admin
	{
		request := SubscribeRequest{
			ID:         uuid.New().String(),
			Query:      testSubscriptionQuery("adminAnnouncement"),
			Connection: conn,
			Auth:       &AuthContext{UserID: "u2", Role: "admin"},
		}
		assert.Nil(uut.AuthorizeRequest(request))
	}
}
