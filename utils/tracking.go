package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TrackingID derives the id embedded in pixels and links of one send
// attempt. The same owner, position and timestamp always yield the same id.
func TrackingID(ownerID uint, position string, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%d", ownerID, position, at.UnixNano())))
	return hex.EncodeToString(sum[:])[:32]
}

// TrackingToken signs a tracking id so endpoints can reject forged hits.
func TrackingToken(secret, trackingID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(trackingID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:22]
}

func ValidTrackingToken(secret, trackingID, token string) bool {
	return hmac.Equal([]byte(TrackingToken(secret, trackingID)), []byte(token))
}

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(baseURL, secret, trackingID string) string {
	return fmt.Sprintf("%s/track/open/%s/%s", baseURL, trackingID, TrackingToken(secret, trackingID))
}

// GenerateClickTrackURL generates a tracked URL for links
func GenerateClickTrackURL(baseURL, secret, trackingID, originalURL string) string {
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s",
		baseURL, trackingID, TrackingToken(secret, trackingID), url.QueryEscape(originalURL))
}

// InjectTracking rewrites links and appends the open pixel
func InjectTracking(htmlContent, baseURL, secret, trackingID string) string {
	pixelURL := GenerateTrackingPixelURL(baseURL, secret, trackingID)
	trackingPixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)

	return injectClickTracking(htmlContent, baseURL, secret, trackingID) + trackingPixel
}

func injectClickTracking(html, baseURL, secret, trackingID string) string {
	const startTag = `<a href="`
	const endTag = `"`
	offset := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(html[startIdx:], endTag)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html[startIdx:endIdx]
		if !isTrackableLink(originalURL, baseURL) {
			offset = endIdx
			continue
		}

		trackedURL := GenerateClickTrackURL(baseURL, secret, trackingID, originalURL)
		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html
}

func isTrackableLink(link, baseURL string) bool {
	lower := strings.ToLower(link)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	return !strings.HasPrefix(link, baseURL+"/track/")
}
