package conversation

import (
	"fmt"
	"strings"

	"github.com/harunnryd/kamishibai/pkg/llm"
	"github.com/harunnryd/kamishibai/pkg/scenario"
)

// handleCommand runs a slash command. Replies go to the display only; a
// successful /move also records the destination opening for the model.
func (o *Orchestrator) handleCommand(input string) {
	fields := strings.Fields(input)
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "/move":
		o.move(input, args)
		return
	case "/undo":
		reply := "Nothing to undo."
		if o.undoLocked() {
			loc := o.locationNow()
			reply = fmt.Sprintf("Returned to %s/%s.", loc.Scene, loc.Page)
		}
		o.reply(input, reply)
	case "/reset":
		if err := o.startLocked(); err != nil {
			o.reply(input, "Reset failed: "+err.Error())
			return
		}
		o.logger.Info("conversation_reset")
		return
	case "/status":
		o.reply(input, o.Snapshot().Status)
	default:
		o.reply(input, "Unknown command: "+cmd)
	}
}

func (o *Orchestrator) move(input string, args []string) {
	if len(args) == 0 {
		o.reply(input, "Please give a destination, for example: /move arrival")
		return
	}
	from := o.locationNow()
	to, err := o.cfg.Graph.FindPage(from.Scene, args[0])
	if err != nil {
		o.logger.Info("move_target_not_found", "target", args[0], "error", err)
		o.reply(input, "Destination not found: "+args[0])
		return
	}
	page, err := o.cfg.Graph.Resolve(to.Scene, to.Page)
	if err != nil {
		o.reply(input, "Destination not found: "+args[0])
		return
	}
	shown := page.OpeningMessage
	if shown == "" {
		shown = fmt.Sprintf("Moved to %s/%s.", to.Scene, to.Page)
	}
	prev := from
	o.mu.Lock()
	o.state.apply(change{
		entry:       &DisplayEntry{User: input, Assistant: shown},
		messages:    []llm.Message{{Role: llm.RoleAssistant, Content: page.OpeningMessage}},
		location:    &to,
		previous:    &prev,
		setPrevious: true,
		mood:        page.DefaultMood,
	})
	o.mu.Unlock()
	o.logger.Info("move", "route", from.String()+" -> "+to.String())
	o.countTurn("text", "command")
}

// reply records a display-only command exchange.
func (o *Orchestrator) reply(input, text string) {
	o.mu.Lock()
	o.state.display = append(o.state.display, DisplayEntry{User: input, Assistant: text})
	o.mu.Unlock()
	o.countTurn("text", "command")
}

func (o *Orchestrator) locationNow() scenario.Location {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state.location
}
