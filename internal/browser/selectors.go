package browser

// SelectorSet contains the CSS selectors used to drive WhatsApp Web.
type SelectorSet struct {
	URL             string // WhatsApp Web base URL
	Ready           string // present once the chat list is loaded
	QRCode          string // element carrying the pairing payload in data-ref
	QRCanvas        string // rendered QR image
	ComposeBox      string // message input of an open chat
	SendButton      string // send button of the text composer
	InvalidNumber   string // popup shown for numbers not on WhatsApp
	AttachButton    string // opens the attachment menu
	MediaInput      string // file input for photos & videos
	CaptionInput    string // caption box of the media preview
	MediaSendButton string // send button of the media preview
	Pending         string // clock icon on messages not yet sent
}

// WhatsAppSelectors returns the default selectors for web.whatsapp.com.
func WhatsAppSelectors() SelectorSet {
	return SelectorSet{
		URL:             "https://web.whatsapp.com",
		Ready:           "#pane-side",
		QRCode:          "div[data-ref]",
		QRCanvas:        "div[data-ref] canvas",
		ComposeBox:      "footer div[contenteditable='true']",
		SendButton:      "footer button[aria-label='Send'], footer span[data-icon='send']",
		InvalidNumber:   "div[data-animate-modal-popup='true']",
		AttachButton:    "footer span[data-icon='plus'], footer span[data-icon='attach-menu-plus'], footer div[title='Attach']",
		MediaInput:      "input[type='file'][accept*='image']",
		CaptionInput:    "div[aria-label='Add a caption'], div[contenteditable='true'][data-tab='10']",
		MediaSendButton: "div[aria-label='Send'], span[data-icon='send']",
		Pending:         "span[data-icon='msg-time']",
	}
}

// WithOverrides returns a copy of s with non-empty entries of overrides applied.
// Keys are the lowerCamel field names (e.g. "sendButton").
func (s SelectorSet) WithOverrides(overrides map[string]string) SelectorSet {
	fields := map[string]*string{
		"url":             &s.URL,
		"ready":           &s.Ready,
		"qrCode":          &s.QRCode,
		"qrCanvas":        &s.QRCanvas,
		"composeBox":      &s.ComposeBox,
		"sendButton":      &s.SendButton,
		"invalidNumber":   &s.InvalidNumber,
		"attachButton":    &s.AttachButton,
		"mediaInput":      &s.MediaInput,
		"captionInput":    &s.CaptionInput,
		"mediaSendButton": &s.MediaSendButton,
		"pending":         &s.Pending,
	}
	for k, v := range overrides {
		if p, ok := fields[k]; ok && v != "" {
			*p = v
		}
	}
	return s
}
