package roadmapchat

import "embed"

// TemplateFS contains the embedded HTML templates of the chat panel, split into the page layout, the
// pages and the partials that are re-rendered and pushed to the browser over server-sent events.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the script and stylesheet of the chat panel.
//
//go:embed static/*
var StaticFS embed.FS
