// Package storage implements the payment unit of work on Postgres (pgx) and in memory.
package storage

import (
	"github.com/google/uuid"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
)

func orderNotFound(id uuid.UUID) error {
	return apperr.NotFound(apperr.CodeOrderNotFound, "order "+id.String())
}

func sessionNotFound(ref string) error {
	return apperr.NotFound(apperr.CodeSessionNotFound, "payment session "+ref)
}

func duplicateNumber(number string) error {
	return apperr.Conflict(apperr.CodeOrderDuplicateNumber, "order number "+number+" already exists")
}

// typedOrPersistence keeps domain errors and turns anything else into the
// generic processing failure.
func typedOrPersistence(err error) error {
	if apperr.CodeOf(err) != "" {
		return err
	}
	return apperr.Persistence(err)
}
