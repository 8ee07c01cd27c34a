// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package web

import (
	"fmt"
	"net/http"

	g "maragu.dev/gomponents"
	c "maragu.dev/gomponents/components"
	h "maragu.dev/gomponents/html"
)

// FlashMessageComponent renders a one-shot notification.
func FlashMessageComponent(flash *FlashMessage) g.Node {
	if flash == nil {
		return nil
	}

	return h.Div(
		h.Class(fmt.Sprintf("notification %s", flash.Type)),
		g.Text(flash.Message),
	)
}

// DashboardLayout wraps a page in the navbar. Pages with autoRefresh
// reload every 5 seconds.
func DashboardLayout(w http.ResponseWriter, r *http.Request, title string, autoRefresh bool, children ...g.Node) g.Node {
	headNodes := []g.Node{
		h.Meta(h.Charset("UTF-8")),
		h.Meta(h.Name("viewport"), h.Content("width=device-width, initial-scale=1.0")),
		h.Link(h.Rel("stylesheet"), h.Href("/static/minimal.css")),
	}
	if autoRefresh {
		headNodes = append(headNodes, h.Meta(g.Attr("http-equiv", "refresh"), h.Content("5")))
	}

	flash := GetFlash(w, r)

	return c.HTML5(
		c.HTML5Props{
			Title:    title + " · agentgram",
			Language: "en",
			Head:     headNodes,
			Body: []g.Node{
				h.Div(h.Class("navbar"),
					h.H1(g.Text("agentgram")),
					h.Nav(h.Class("navbar-menu"),
						h.A(h.Href("/agents"), h.Class("navbar-item"), g.Text("Agents")),
						h.A(h.Href("/prompts"), h.Class("navbar-item"), g.Text("Prompts")),
						h.A(h.Href("/metrics"), h.Class("navbar-item"), g.Text("Metrics")),
					),
				),
				h.Div(h.Class("main-content"),
					g.If(flash != nil, FlashMessageComponent(flash)),
					h.Main(h.ID("main-content"), h.Class("section"), g.Group(children)),
				),
			},
		},
	)
}
