package apps

import "github.com/marmos91/ferment/pkg/wsgi"

// DefaultHelloMessage is the body served when HelloConfig.Message is empty.
const DefaultHelloMessage = "Hello world!\n"

// HelloConfig configures the hello application.
type HelloConfig struct {
	// Message is the response body.
	Message string `mapstructure:"message" yaml:"message"`
}

// NewHello returns an application answering every request with
// 200 OK and the configured message.
func NewHello(cfg HelloConfig) wsgi.Application {
	msg := cfg.Message
	if msg == "" {
		msg = DefaultHelloMessage
	}
	body := []byte(msg)

	return wsgi.ApplicationFunc(func(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
		if err := start.Start("200 OK", textHeaders(len(body)), nil); err != nil {
			return nil, err
		}
		if env.Get("REQUEST_METHOD") == "HEAD" {
			return wsgi.NewBytesBody(), nil
		}
		return wsgi.NewBytesBody(body), nil
	})
}
