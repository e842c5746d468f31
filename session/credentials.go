package session

import (
	"errors"
	"strings"
)

const maxPasswordLen = 1024

// ValidateCredentials checks the local shape of a login before any network
// call. email is expected to be normalized already.
func ValidateCredentials(email, password string) error {
	switch {
	case email == "":
		return newError(ErrValidation, opLogin, errors.New("email is required"))
	case password == "":
		return newError(ErrValidation, opLogin, errors.New("password is required"))
	case len(password) > maxPasswordLen:
		return newError(ErrValidation, opLogin, errors.New("password is too long"))
	}
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || strings.Count(email, "@") != 1 || strings.ContainsAny(email, " \t\r\n") {
		return newError(ErrValidation, opLogin, errors.New("email is malformed"))
	}
	return nil
}

// ValidateTwoFactorCode accepts 6 to 8 ASCII digits.
func ValidateTwoFactorCode(code string) error {
	if len(code) < 6 || len(code) > 8 {
		return newError(ErrValidation, opVerifyTwoFactor, errors.New("code must be 6 to 8 digits"))
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return newError(ErrValidation, opVerifyTwoFactor, errors.New("code must be numeric"))
		}
	}
	return nil
}
