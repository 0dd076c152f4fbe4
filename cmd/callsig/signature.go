package main

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/maxgio92/callsig"
	"github.com/maxgio92/callsig/backend"
)

var signatureCmd = &cobra.Command{
	Use:   "signature <binary|http-url>",
	Short: "Print the signature of a single function",
	Example: `
# Signature of a symbol, keeping two callees as terminals
callsig signature --native ./server --symbol 'main.(*LoginPacket).write' \
	--terminal 'main.(*Stream).writeVarInt' --terminal 'main.(*Stream).writeString'

# Signature of the function at an address
callsig signature libminecraftpe.so --address 0x1c2f40
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		terminals, _ := cmd.Flags().GetStringSlice("terminal")
		cfg.Terminals = append(terminalRules(terminals), cfg.Terminals...)
		e, err := callsig.NewExtractor(cfg)
		if err != nil {
			return err
		}

		b, err := opener(cmd, args[0])()
		if err != nil {
			return err
		}
		defer b.Close()
		info, err := backend.Load(b)
		if err != nil {
			return errors.Wrap(err, "load binary info")
		}

		sym, err := selectSymbol(cmd, info)
		if err != nil {
			return err
		}
		sig, err := e.Signature(b, info, sym)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), sig)
		return err
	},
}

func init() {
	signatureCmd.Flags().StringP("symbol", "s", "", "Raw or demangled name of the function")
	signatureCmd.Flags().StringP("address", "a", "", "Hexadecimal address of the function")
	signatureCmd.Flags().StringSliceP("terminal", "t", nil, "Callee kept as a terminal under its own name (repeatable)")
	signatureCmd.MarkFlagsMutuallyExclusive("symbol", "address")
	signatureCmd.MarkFlagsOneRequired("symbol", "address")
}

// terminalRules maps each callee name to itself.
func terminalRules(names []string) []callsig.TerminalRule {
	rules := make([]callsig.TerminalRule, 0, len(names))
	for _, n := range names {
		rules = append(rules, callsig.TerminalRule{
			Pattern:  regexp.QuoteMeta(n),
			Template: strings.ReplaceAll(n, "$", "$$"),
		})
	}
	return rules
}

func selectSymbol(cmd *cobra.Command, info *backend.Info) (backend.Symbol, error) {
	if name, _ := cmd.Flags().GetString("symbol"); name != "" {
		if sym, ok := info.SymbolNamed(name); ok {
			return sym, nil
		}
		for _, sym := range info.Symbols() {
			if sym.DisplayName() == name {
				return sym, nil
			}
		}
		return backend.Symbol{}, errors.Errorf("no symbol named %q", name)
	}

	text, _ := cmd.Flags().GetString("address")
	address, err := strconv.ParseUint(strings.TrimPrefix(text, "0x"), 16, 64)
	if err != nil {
		return backend.Symbol{}, errors.Wrapf(err, "address %q", text)
	}
	if sym, ok := info.SymbolAt(address); ok {
		return sym, nil
	}
	return backend.Symbol{Name: fmt.Sprintf("fcn.%08x", address), Address: address}, nil
}
