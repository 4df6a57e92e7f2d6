package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/storage/models"
)

// Locals keys under which parsed requests are handed to handlers.
const (
	RunRequestKey = "run_request"
	ItemFilterKey = "item_filter"
)

const (
	maxListLimit   = 500
	maxRunSources  = 64
	defaultMaxText = 500
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

// Config for the middleware. KnownSource reports whether a source name is
// registered; nil accepts any name.
type Config struct {
	MaxQueryLength      int
	AllowedContentTypes []string
	KnownSource         func(string) bool
	Logger              *zap.Logger
}

// RunRequest is the body of POST /runs.
type RunRequest struct {
	Sources []string `json:"sources"`
	Summary *bool    `json:"summary"`
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = defaultMaxText
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		path := c.Path()

		if c.Method() == fiber.MethodPost && strings.HasSuffix(path, "/api/v1/runs") {
			req, err := parseRunRequest(c.Body(), cfg.KnownSource)
			if err != nil {
				return c.Status(err.Code).JSON(fiber.Map{"error": err.Message})
			}
			c.Locals(RunRequestKey, req)
		}

		if c.Method() == fiber.MethodGet && (strings.HasSuffix(path, "/api/v1/items") || strings.HasSuffix(path, "/api/v1/search")) {
			filter, err := parseItemFilter(c, cfg)
			if err != nil {
				return c.Status(err.Code).JSON(fiber.Map{"error": err.Message})
			}
			c.Locals(ItemFilterKey, filter)
		}

		return c.Next()
	}
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

// parseRunRequest accepts an empty body as "all enabled sources".
func parseRunRequest(body []byte, known func(string) bool) (RunRequest, *fiber.Error) {
	var req RunRequest
	if len(strings.TrimSpace(string(body))) == 0 {
		return req, nil
	}
	if json.Unmarshal(body, &req) != nil {
		return req, badRequest("Invalid JSON format")
	}
	if len(req.Sources) > maxRunSources {
		return req, badRequest("Too many sources")
	}
	for i, name := range req.Sources {
		name = strings.TrimSpace(name)
		if name == "" {
			return req, badRequest("Source names must not be empty")
		}
		if known != nil && !known(name) {
			return req, badRequest("Unknown source %q", name)
		}
		req.Sources[i] = name
	}
	return req, nil
}

func parseItemFilter(c *fiber.Ctx, cfg Config) (models.ItemFilter, *fiber.Error) {
	var f models.ItemFilter

	if s := c.Query("source"); s != "" {
		if cfg.KnownSource != nil && !cfg.KnownSource(s) {
			return f, badRequest("Unknown source %q", s)
		}
		f.Source = s
	}

	if s := c.Query("min_level"); s != "" {
		level := models.ParseThreatLevel(s)
		if level == models.ThreatUnknown {
			return f, badRequest("Invalid min_level %q", s)
		}
		f.MinThreatLevel = level
	}

	if s := c.Query("since"); s != "" {
		t, perr := time.Parse(time.RFC3339, s)
		if perr != nil {
			return f, badRequest("since must be RFC3339")
		}
		f.Since = t
	}

	var err *fiber.Error
	if f.Limit, err = intParam(c, "limit", 0, maxListLimit); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(c, "offset", 0, -1); err != nil {
		return f, err
	}

	q := sanitizeString(c.Query("q"))
	if len(q) > cfg.MaxQueryLength {
		return f, badRequest("Query exceeds maximum length")
	}
	if containsXSS(q) {
		cfg.Logger.Warn("Potential XSS attempt",
			zap.String("ip", c.IP()),
			zap.String("query", q),
		)
		return f, badRequest("Invalid query content")
	}
	f.Text = q
	return f, nil
}

// intParam parses a non-negative query parameter; upper < 0 means unbounded.
func intParam(c *fiber.Ctx, name string, def, upper int) (int, *fiber.Error) {
	s := c.Query(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || (upper >= 0 && n > upper) {
		if upper >= 0 {
			return 0, badRequest("%s must be between 0 and %d", name, upper)
		}
		return 0, badRequest("%s must be a non-negative integer", name)
	}
	return n, nil
}

func badRequest(format string, args ...any) *fiber.Error {
	return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf(format, args...))
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}

func sanitizeString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.ReplaceAll(input, "\x00", "")
	return input
}
