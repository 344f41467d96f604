package mainboilerplate

import "github.com/jessevdk/go-flags"

// AddCommandFunc registers a sub-command with a parent flags.Command.
type AddCommandFunc func(*flags.Command) error

// CommandRegistry builds a tree of go-flags AddCommand functions which are
// registered under a root flags.Command at parse time. It lets sub-command
// packages self-register with the root command without import cycles.
type CommandRegistry map[string][]AddCommandFunc

// NewCommandRegistry creates an empty registry.
func NewCommandRegistry() CommandRegistry {
	return make(CommandRegistry)
}

// AddCommand stores an AddCommand specification under |parentName|. A tree
// of commands is specified by separating |parentName| with dots, as in:
//
//	AddCommand("level1", ...)
//	AddCommand("level1.level2", ...)
func (cr CommandRegistry) AddCommand(parentName string, command string, shortDescription string, longDescription string, data interface{}) {
	cr[parentName] = append(cr[parentName], func(cmd *flags.Command) error {
		_, err := cmd.AddCommand(command, shortDescription, longDescription, data)
		return err
	})
}

// AddCommands walks the tree of registered sub-commands under |rootName|
// and adds them under |rootCmd|, recursing into sub-commands of
// sub-commands if |recursive|.
func (cr CommandRegistry) AddCommands(rootName string, rootCmd *flags.Command, recursive bool) error {
	for _, addCommandFunc := range cr[rootName] {
		if err := addCommandFunc(rootCmd); err != nil {
			return err
		}
	}

	if recursive {
		for _, cmd := range rootCmd.Commands() {
			// Sub-commands are separated with a dot.
			cmdName := cmd.Name
			if rootName != "" {
				cmdName = rootName + "." + cmdName
			}
			if err := cr.AddCommands(cmdName, cmd, recursive); err != nil {
				return err
			}
		}
	}
	return nil
}
