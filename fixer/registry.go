package fixer

import (
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/dealsync_backend/models"
)

// Registry maps issue codes to their fix handlers. The constructor is the
// single place the code->handler binding lives; codes that require manual
// resolution are deliberately never registered.
type Registry struct {
	logger   *logrus.Logger
	handlers map[models.IssueCode]FixHandler
}

func NewRegistry(logger *logrus.Logger) *Registry {
	r := &Registry{
		logger:   logger,
		handlers: make(map[models.IssueCode]FixHandler),
	}
	r.Register(models.IssueInvalidTitleFormat, NewTitleFormatHandler(logger))
	r.Register(models.IssueMissingProjectCode, NewProjectCodeHandler(logger))
	// models.IssueValueMismatch: the correct side to change is a product
	// decision, so there is no automated handler.
	// models.IssuePipelinePlacement: manual-only, filtered before sessions are built.
	return r
}

func (r *Registry) Register(code models.IssueCode, handler FixHandler) {
	r.handlers[code] = handler
}

func (r *Registry) Resolve(code models.IssueCode) (FixHandler, bool) {
	h, ok := r.handlers[code]
	return h, ok
}
