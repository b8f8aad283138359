package whatsapp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// scannedMessage is one unread message as returned by the scan script.
type scannedMessage struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Image  string `json:"image"` // data URL, empty when there is no image
}

// scanScript marks every unprocessed message node as processed and returns
// its sender, text and inline image. Selectors are embedded as JSON so they
// can never break out of the string literals.
func scanScript(sel Selectors) string {
	cfg, _ := json.Marshal(map[string]string{
		"newMessage": sel.NewMessage,
		"sender":     sel.Sender,
		"text":       sel.MessageText,
		"image":      sel.MessageImage,
	})
	return fmt.Sprintf(`(() => {
	const sel = %s;
	const out = [];
	const imageData = (img) => {
		try {
			const c = document.createElement('canvas');
			c.width = img.naturalWidth;
			c.height = img.naturalHeight;
			c.getContext('2d').drawImage(img, 0, 0);
			return c.toDataURL('image/jpeg', 0.9);
		} catch (e) {
			return '';
		}
	};
	document.querySelectorAll(sel.newMessage).forEach((node) => {
		node.setAttribute('data-processed', 'true');
		const senderEl = node.querySelector(sel.sender) || document.querySelector(sel.sender);
		if (!senderEl) return;
		const sender = (senderEl.getAttribute('title') || senderEl.textContent || '').trim();
		const textEl = sel.text ? node.querySelector(sel.text) : null;
		const img = sel.image ? node.querySelector(sel.image) : null;
		out.push({
			sender: sender,
			text: textEl ? (textEl.innerText || '').trim() : '',
			image: img && img.complete ? imageData(img) : '',
		});
	});
	return out;
})()`, cfg)
}

// saveDataURL decodes a base64 data URL into dir and returns the file path.
func saveDataURL(dataURL, dir, prefix string) (string, error) {
	header, payload, ok := strings.Cut(dataURL, ",")
	if !ok || !strings.HasPrefix(header, "data:") || !strings.HasSuffix(header, ";base64") {
		return "", fmt.Errorf("not a base64 data URL")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	ext := ".bin"
	switch strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64") {
	case "image/jpeg":
		ext = ".jpg"
	case "image/png":
		ext = ".png"
	case "image/webp":
		ext = ".webp"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d%s", prefix, time.Now().UnixNano(), ext))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
