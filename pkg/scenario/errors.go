package scenario

import (
	"errors"
	"strings"

	"github.com/harunnryd/kamishibai/pkg/errorsx"
)

var (
	ErrNotFound          = errors.New("scenario: not found")
	ErrInvalidTransition = errors.New("scenario: invalid transition")
	ErrAmbiguous         = errors.New("scenario: ambiguous page reference")
)

// ConfigError reports a scenario that cannot be loaded.
type ConfigError struct {
	Field string
	Scene string
	Page  string
	Msg   string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("scenario config")
	if e.Scene != "" {
		b.WriteString(" scene=" + e.Scene)
	}
	if e.Page != "" {
		b.WriteString(" page=" + e.Page)
	}
	if e.Field != "" {
		b.WriteString(" field=" + e.Field)
	}
	b.WriteString(": " + e.Msg)
	return b.String()
}

func configErr(field, scene, page, msg string) error {
	return errorsx.Wrap(&ConfigError{Field: field, Scene: scene, Page: page, Msg: msg}, errorsx.ReasonConfig)
}

// AsConfigError returns the ConfigError inside err, if any.
func AsConfigError(err error) (*ConfigError, bool) {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
