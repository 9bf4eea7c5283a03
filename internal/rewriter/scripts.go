package rewriter

import (
	"bytes"
	"embed"
	"encoding/json"
	"text/template"
)

// SubmitDelayMs is how long the auto-fill script waits before submitting the checkout form.
const SubmitDelayMs = 1500

//go:embed scripts/*.js
var scriptFS embed.FS

var scripts = template.Must(template.ParseFS(scriptFS, "scripts/*.js"))

type scriptData struct {
	PaymentJSON   string
	TrackURL      string
	CheckoutHost  string
	PaymentID     string
	SubmitDelayMs int
}

// jsLiteral encodes v as a JavaScript literal. encoding/json escapes <, > and &
// so the result cannot terminate the enclosing script element.
func jsLiteral(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func newScriptData(opts Options) (*scriptData, error) {
	data := &scriptData{SubmitDelayMs: SubmitDelayMs}

	var err error
	if data.TrackURL, err = jsLiteral(opts.TrackURL); err != nil {
		return nil, err
	}
	if data.CheckoutHost, err = jsLiteral(opts.CheckoutHost); err != nil {
		return nil, err
	}

	paymentID := ""
	if opts.Payment != nil {
		paymentID = opts.Payment.PaymentID
	}
	if data.PaymentID, err = jsLiteral(paymentID); err != nil {
		return nil, err
	}
	if data.PaymentJSON, err = jsLiteral(opts.Payment); err != nil {
		return nil, err
	}
	return data, nil
}

func render(name string, data *scriptData) (string, error) {
	var buf bytes.Buffer
	if err := scripts.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// renderPaymentScripts renders the auto-fill and iframe watcher blocks.
func renderPaymentScripts(opts Options) (string, error) {
	data, err := newScriptData(opts)
	if err != nil {
		return "", err
	}
	autofill, err := render("autofill.js", data)
	if err != nil {
		return "", err
	}
	watch, err := render("iframe_watch.js", data)
	if err != nil {
		return "", err
	}
	return autofill + watch, nil
}

// renderInterceptor renders the fetch/XMLHttpRequest interception block.
func renderInterceptor(opts Options) (string, error) {
	data, err := newScriptData(opts)
	if err != nil {
		return "", err
	}
	return render("interceptor.js", data)
}
