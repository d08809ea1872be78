package validation

import (
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/feedback-triage/backend/pkg/logger"
)

// LocalPrompt holds the cleaned prompt override for the next handler.
const LocalPrompt = "sanitized_prompt"

type Config struct {
	MaxUploadSize     int64
	MaxPromptLength   int
	AllowedExtensions []string
	Logger            *zap.Logger
}

// UploadMiddleware checks a run upload before the table is read: a multipart
// body with a "file" part of an allowed extension and size, and a prompt
// override of bounded length.
func UploadMiddleware(cfg Config) fiber.Handler {
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = 10 * 1024 * 1024
	}
	if cfg.MaxPromptLength == 0 {
		cfg.MaxPromptLength = 20000
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".csv"}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	return func(c *fiber.Ctx) error {
		if !strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Expected a multipart/form-data upload",
			})
		}

		file, err := c.FormFile("file")
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "A CSV file is required",
			})
		}

		if !hasAllowedExtension(file.Filename, cfg.AllowedExtensions) {
			cfg.Logger.Warn("Rejected upload",
				zap.String("ip", c.IP()),
				zap.String("filename", file.Filename),
			)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Only .csv files are accepted",
			})
		}

		if file.Size > cfg.MaxUploadSize {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"error": "File exceeds maximum size",
			})
		}

		prompt := c.FormValue("prompt")
		if len(prompt) > cfg.MaxPromptLength {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Prompt exceeds maximum length",
			})
		}
		c.Locals(LocalPrompt, sanitizeString(prompt))

		return c.Next()
	}
}

func hasAllowedExtension(filename string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, a := range allowed {
		if ext == a {
			return true
		}
	}
	return false
}

func sanitizeString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.ReplaceAll(input, "\x00", "")
	return input
}
