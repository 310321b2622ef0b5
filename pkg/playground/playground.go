// Package playground hosts a GraphiQL page for exploring the composed schema.
package playground

import (
	"bytes"
	"html/template"
	"net/http"
	"path"
)

const (
	playgroundTemplate = "playgroundTemplate"

	DefaultGraphiQLVersion = "3.0.9"
)

const (
	contentTypeHeader   = "Content-Type"
	contentTypeTextHTML = "text/html; charset=utf-8"
)

// Config is the configuration Object to instruct New on where the playground is hosted
type Config struct {
	// PathPrefix is a prefix you intend to put in front of the playground path
	PathPrefix string
	// PlaygroundPath is the path where the playground website should be hosted
	PlaygroundPath string
	// GraphqlEndpointPath is the path of the gateway GraphQL endpoint
	GraphqlEndpointPath string
	// GraphiQLVersion selects the GraphiQL release loaded from the CDN
	GraphiQLVersion string
}

type playgroundTemplateData struct {
	Title       string
	CssURL      string
	JsURL       string
	EndpointURL string
}

type Playground struct {
	path string
	data playgroundTemplateData
}

func New(config Config) *Playground {
	version := config.GraphiQLVersion
	if version == "" {
		version = DefaultGraphiQLVersion
	}
	cdn := "https://unpkg.com/graphiql@" + version + "/graphiql.min"

	return &Playground{
		path: path.Join("/", config.PathPrefix, config.PlaygroundPath),
		data: playgroundTemplateData{
			Title:       "Storefront Mesh",
			CssURL:      cdn + ".css",
			JsURL:       cdn + ".js",
			EndpointURL: config.GraphqlEndpointPath,
		},
	}
}

// Path is where the Handler should be mounted.
func (p *Playground) Path() string {
	return p.path
}

// Handler renders the page once and serves it for every request.
func (p *Playground) Handler() (http.Handler, error) {
	templates, err := template.New(playgroundTemplate).Parse(playgroundHTML)
	if err != nil {
		return nil, err
	}
	page := &bytes.Buffer{}
	if err := templates.ExecuteTemplate(page, playgroundTemplate, p.data); err != nil {
		return nil, err
	}
	body := page.Bytes()

	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set(contentTypeHeader, contentTypeTextHTML)
		_, _ = writer.Write(body)
	}), nil
}

const playgroundHTML = `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="utf-8">
	<title>{{ .Title }}</title>
	<link rel="stylesheet" href="{{ .CssURL }}">
	<style>body { margin: 0; height: 100vh; } #graphiql { height: 100vh; }</style>
</head>
<body>
	<div id="graphiql">Loading...</div>
	<script crossorigin src="https://unpkg.com/react@18/umd/react.production.min.js"></script>
	<script crossorigin src="https://unpkg.com/react-dom@18/umd/react-dom.production.min.js"></script>
	<script src="{{ .JsURL }}"></script>
	<script>
		const fetcher = GraphiQL.createFetcher({ url: {{ .EndpointURL }} });
		ReactDOM.createRoot(document.getElementById('graphiql')).render(
			React.createElement(GraphiQL, { fetcher: fetcher })
		);
	</script>
</body>
</html>
`
