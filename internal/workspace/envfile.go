package workspace

import (
	"strings"
	"time"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
	"github.com/helGmoro/tardiaplataforma-code/pkg/config"
)

const (
	// EnvFileName is written at the root of every working directory.
	EnvFileName = ".env"

	defaultWeatherCity = "Buenos Aires"
	platformVersion    = "1.0.0"
	createdAtLayout    = "2006-01-02T15:04:05.000Z07:00"
)

// RenderEnvFile renders the runtime environment consumed by a bot process.
// Output depends only on its arguments.
func RenderEnvFile(d domain.Descriptor, secrets config.PlatformSecrets, createdAt time.Time) string {
	lines := [][2]string{
		{"BOT_NAME", d.Name},
		{"BOT_TOKEN", d.Token},
		{"SERVICES", strings.Join(d.Capabilities, ",")},
		{"PORT", "3000"},
		{"WEATHER_API_KEY", secrets.WeatherAPIKey},
		{"NEWS_API_KEY", secrets.NewsAPIKey},
		{"GEMINI_API_KEY", secrets.GeminiAPIKey},
		{"WEATHER_CITY", defaultWeatherCity},
		{"PLATFORM_VERSION", platformVersion},
		{"CREATED_AT", createdAt.UTC().Format(createdAtLayout)},
	}
	var b strings.Builder
	for _, kv := range lines {
		b.WriteString(kv[0])
		b.WriteByte('=')
		b.WriteString(kv[1])
		b.WriteByte('\n')
	}
	return b.String()
}
