// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// ChartTypeAuto lets the model pick the diagram type.
const ChartTypeAuto = "auto"

// SystemPrompt instructs the model to emit Excalidraw elements.
const SystemPrompt = `You are an expert at turning ideas into clear, well-laid-out Excalidraw diagrams.

## Task
Read the user's request (and image, if one is attached) and produce the Excalidraw elements that draw it.

## Output format
- Reply with exactly one fenced code block tagged json.
- The block contains a single JSON array of Excalidraw element skeletons. No prose before or after it.
- Supported element types: "rectangle", "ellipse", "diamond", "arrow", "line", "text", "frame".
- Every element has a unique string "id", numeric "x" and "y", and, for shapes, "width" and "height".
- Put labels on shapes with a "label": {"text": "..."} object instead of separate text elements.
- Connect shapes with arrows whose "start" and "end" reference shape ids: {"id": "<shape id>"}.

## Layout rules
- Lay diagrams out left-to-right or top-to-bottom with at least 60px between shapes.
- Keep related elements aligned on a grid; avoid overlapping shapes and crossing arrows.
- Use "strokeColor" and "backgroundColor" sparingly to group related parts.
- Keep label text short; split long phrases over several lines with "\n".

## When an image is attached
- Reproduce the structure of the image (boxes, connections, groupings, labels) as faithfully as possible.
- Clean up handwriting and misalignment; do not invent elements that are not in the image unless the user asks.`

// userPromptTemplate is filled with the request text and the chart directive.
const userPromptTemplate = `%s

Diagram type: %s

Generate the Excalidraw elements for the request above.`

// chartTypes maps each supported hint to the description given to the model.
var chartTypes = map[string]string{
	"flowchart":    "flowchart (process steps, decisions, and their order)",
	"mindmap":      "mind map (a central topic with radiating branches)",
	"orgchart":     "organization chart (reporting hierarchy)",
	"sequence":     "sequence diagram (participants and the messages between them over time)",
	"class":        "UML class diagram (classes, attributes, methods, and relationships)",
	"er":           "entity-relationship diagram (entities, attributes, and cardinalities)",
	"gantt":        "Gantt chart (tasks laid out against a timeline)",
	"timeline":     "timeline (events in chronological order)",
	"tree":         "tree diagram (parent/child hierarchy)",
	"network":      "network topology (nodes, devices, and links)",
	"architecture": "architecture diagram (system components, layers, and data flows)",
	"dataflow":     "data flow diagram (sources, processes, stores, and sinks)",
	"state":        "state diagram (states and the transitions between them)",
	"swimlane":     "swimlane diagram (steps grouped by responsible actor)",
	"concept":      "concept map (ideas connected by labelled relationships)",
	"fishbone":     "fishbone diagram (causes grouped under categories leading to an effect)",
	"swot":         "SWOT analysis (strengths, weaknesses, opportunities, threats)",
	"pyramid":      "pyramid diagram (layered levels from base to top)",
	"funnel":       "funnel diagram (stages narrowing toward an outcome)",
	"venn":         "Venn diagram (overlapping sets)",
	"matrix":       "matrix diagram (a grid comparing two dimensions)",
}

// ChartType is one entry of the chart catalog.
type ChartType struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

// ChartTypes returns the supported chart hints sorted by key.
func ChartTypes() []ChartType {
	out := make([]ChartType, 0, len(chartTypes))
	for k, v := range chartTypes {
		out = append(out, ChartType{Key: k, Description: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// chartDirective turns a chart hint into the text shown to the model.
func chartDirective(chartType string) string {
	key := strings.ToLower(strings.TrimSpace(chartType))
	if key == "" || key == ChartTypeAuto {
		return "choose the most suitable diagram type for this content"
	}
	if desc, ok := chartTypes[key]; ok {
		return desc
	}
	return strings.TrimSpace(chartType)
}

// UserPrompt renders the user message text.
//
// # Description
//
// Deterministic: the same text and chart type always give the same string.
// Empty or "auto" chart types leave the choice to the model, known types are
// expanded from the catalog, and anything else is interpolated as given.
//
// # Examples
//
//	UserPrompt("login flow", "flowchart")
//	// "login flow\n\nDiagram type: flowchart (process steps, ...)\n\n..."
func UserPrompt(text, chartType string) string {
	return fmt.Sprintf(userPromptTemplate, text, chartDirective(chartType))
}
