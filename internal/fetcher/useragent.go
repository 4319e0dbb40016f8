package fetcher

import (
	"fmt"
	"math/rand"
	"net/http"
	"strings"
)

// Class selects which user-agent pool a request draws from.
type Class string

const (
	ClassAny     Class = "any"
	ClassDesktop Class = "desktop"
	ClassMobile  Class = "mobile"
)

var desktopAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.2903.86",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:133.0) Gecko/20100101 Firefox/133.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Safari/605.1.15",
}

var mobileAgents = []string{
	"Mozilla/5.0 (iPhone; CPU iPhone OS 18_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 14; SM-S921B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (iPad; CPU OS 18_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Mobile/15E148 Safari/604.1",
}

// PickUserAgent draws a random user agent from the class's pool. ClassAny
// leans desktop, roughly matching real traffic splits.
func PickUserAgent(class Class) string {
	switch class {
	case ClassDesktop:
		return desktopAgents[rand.Intn(len(desktopAgents))]
	case ClassMobile:
		return mobileAgents[rand.Intn(len(mobileAgents))]
	default:
		if rand.Intn(4) == 0 {
			return mobileAgents[rand.Intn(len(mobileAgents))]
		}
		return desktopAgents[rand.Intn(len(desktopAgents))]
	}
}

// BrowserHeaders builds the header set a real browser would send for a
// top-level navigation, shaped to match ua. Chromium-family agents also get
// the client-hint headers servers expect from them.
func BrowserHeaders(ua string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", ua)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade-Insecure-Requests", "1")

	if major := chromeMajor(ua); major != "" {
		brand := "Google Chrome"
		if strings.Contains(ua, "Edg/") {
			brand = "Microsoft Edge"
		}
		h.Set("Sec-Ch-Ua", fmt.Sprintf(`"Chromium";v="%s", "Not?A_Brand";v="8", "%s";v="%s"`, major, brand, major))
		if isMobileUA(ua) {
			h.Set("Sec-Ch-Ua-Mobile", "?1")
		} else {
			h.Set("Sec-Ch-Ua-Mobile", "?0")
		}
		h.Set("Sec-Ch-Ua-Platform", `"`+uaPlatform(ua)+`"`)
	}
	return h
}

// chromeMajor extracts the major version from a Chrome/Edge user agent, or
// returns "" for non-Chromium agents.
func chromeMajor(ua string) string {
	i := strings.Index(ua, "Chrome/")
	if i < 0 {
		return ""
	}
	rest := ua[i+len("Chrome/"):]
	end := strings.IndexByte(rest, '.')
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func isMobileUA(ua string) bool {
	return strings.Contains(ua, "Mobile") || strings.Contains(ua, "Android") ||
		strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad")
}

func uaPlatform(ua string) string {
	switch {
	case strings.Contains(ua, "Windows"):
		return "Windows"
	case strings.Contains(ua, "Android"):
		return "Android"
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		return "iOS"
	case strings.Contains(ua, "Macintosh"):
		return "macOS"
	default:
		return "Linux"
	}
}
