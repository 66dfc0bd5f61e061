package telephony

import (
	"encoding/xml"
	"fmt"
	"net/url"
)

// ContentTypeXML is the response content type for webhook answers.
const ContentTypeXML = "text/xml; charset=utf-8"

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string       `xml:"url,attr"`
	Parameters []twimlParam `xml:"Parameter"`
}

type twimlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// TwiML renders the webhook answer document that connects the caller to this
// service's media WebSocket at wss://{host}/media. callerPhone, when known,
// is forwarded as a custom parameter so the start frame carries it.
func TwiML(publicURL, callerPhone string) (string, error) {
	u, err := url.Parse(publicURL)
	if err != nil {
		return "", fmt.Errorf("telephony: public url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("telephony: public url %q has no host", publicURL)
	}
	streamURL := url.URL{Scheme: "wss", Host: u.Host, Path: "/media"}

	doc := twimlResponse{Connect: twimlConnect{Stream: twimlStream{URL: streamURL.String()}}}
	if callerPhone != "" {
		doc.Connect.Stream.Parameters = []twimlParam{{Name: "callerPhone", Value: callerPhone}}
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("telephony: render twiml: %w", err)
	}
	return xml.Header + string(out), nil
}
