package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/kalambet/notecoder/internal/pipeline"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// confidenceColor grades a confidence score for display.
func confidenceColor(c float64) string {
	switch {
	case c >= 0.8:
		return colorGreen
	case c >= 0.5:
		return colorYellow
	default:
		return colorRed
	}
}

func printResult(res pipeline.Result) {
	printStatus("Visit", "%s", res.VisitID)
	printStatus("Revision", "%s", res.RevisionID)
	printStatus("Prompt", "%s", res.PromptType)
	if len(res.ScenarioTags) > 0 {
		printStatus("Tags", "%s", strings.Join(res.ScenarioTags, ", "))
	}
	if !res.Success {
		printWarning("no usable model output; see 'notecoder quarantine list'")
		return
	}
	if len(res.Suggestions) == 0 {
		fmt.Println("No codes suggested.")
		return
	}
	for _, s := range res.Suggestions {
		fmt.Printf("%-6s %-10s %s  %s\n",
			s.System,
			colorize(colorBold, s.Code),
			colorize(confidenceColor(s.Confidence), fmt.Sprintf("%.2f", s.Confidence)),
			s.Reasoning,
		)
	}
}
