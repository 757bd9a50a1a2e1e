package twilio

import (
	"sort"
	"strings"
)

// streamTwiml connects the call to the media stream, passing params as
// <Parameter> elements. say, when set, is spoken first.
func streamTwiml(streamURL string, params map[string]string, say, language, voice string) string {
	var b strings.Builder
	b.WriteString("<Response>")
	if say = strings.TrimSpace(say); say != "" {
		b.WriteString(sayElement(say, language, voice))
	}
	b.WriteString(`<Connect><Stream url="`)
	b.WriteString(xmlEscape(streamURL))
	b.WriteString(`">`)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if params[k] == "" {
			continue
		}
		b.WriteString(`<Parameter name="` + xmlEscape(k) + `" value="` + xmlEscape(params[k]) + `"/>`)
	}
	b.WriteString("</Stream></Connect></Response>")
	return b.String()
}

func sayTwiml(text, language, voice string, hangup bool) string {
	out := "<Response>" + sayElement(text, language, voice)
	if hangup {
		out += "<Hangup/>"
	}
	return out + "</Response>"
}

func sayElement(text, language, voice string) string {
	attrs := ""
	if language != "" {
		attrs += ` language="` + xmlEscape(language) + `"`
	}
	if voice != "" {
		attrs += ` voice="` + xmlEscape(voice) + `"`
	}
	return "<Say" + attrs + ">" + xmlEscape(text) + "</Say>"
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}
