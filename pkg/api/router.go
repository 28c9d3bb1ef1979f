package api

import (
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/readthedocs/rtd/pkg/logging"
)

// structValidator validates bound request bodies with `validate` tags, the
// same tags the domain and config types carry.
type structValidator struct {
	once     sync.Once
	validate *validator.Validate
}

func (s *structValidator) engine() *validator.Validate {
	s.once.Do(func() { s.validate = validator.New() })
	return s.validate
}

func (s *structValidator) ValidateStruct(obj any) error {
	if obj == nil {
		return nil
	}
	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		return s.ValidateStruct(v.Elem().Interface())
	case reflect.Struct:
		return s.engine().Struct(obj)
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := s.ValidateStruct(v.Index(i).Interface()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *structValidator) Engine() any { return s.engine() }

var bodyValidator = &structValidator{}

// NewEngine returns a gin engine with panic recovery, tracing and request
// logging, validating request bodies by their `validate` tags.
func NewEngine(service string, logger *slog.Logger) *gin.Engine {
	binding.Validator = bodyValidator
	e := gin.New()
	e.Use(gin.Recovery(), otelgin.Middleware(service), RequestLogger(logger))
	return e
}

// RequestLogger logs one line per request, at warn level for server errors.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	logger = logging.OrDefault(logger)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}
		if status >= 500 {
			logger.Warn("request failed", attrs...)
			return
		}
		logger.Debug("request served", attrs...)
	}
}
