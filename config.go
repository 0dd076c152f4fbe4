package callsig

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Kind says what a signature describes.
type Kind string

const (
	// KindPacket is the serializer of a whole network packet.
	KindPacket Kind = "packet"
	// KindType is the serializer of a single payload type.
	KindType Kind = "type"
)

// SignatureRule selects the functions to extract. Pattern must match the
// whole display name of a symbol; its first group names the signature.
type SignatureRule struct {
	Kind    Kind   `yaml:"kind"`
	Pattern string `yaml:"pattern"`
}

// TerminalRule turns a call into a named terminal of a signature.
//
// Pattern must match the whole display name or raw name of the callee.
// Template is expanded with the groups of the match ($1, ${name}), and
// every <register> in it is replaced by the register's value at the call,
// or ? when the value is unknown. With Clean set, the expansion loses
// namespace noise such as std::__1::, allocator and deleter template
// arguments, and a surrounding Type<...>.
type TerminalRule struct {
	Pattern  string `yaml:"pattern"`
	Template string `yaml:"template"`
	Clean    bool   `yaml:"clean,omitempty"`
}

// Config drives an extraction.
type Config struct {
	Signatures []SignatureRule `yaml:"signatures"`
	Terminals  []TerminalRule  `yaml:"terminals"`
	// SkipInline are raw symbol name patterns of calls that are never
	// inlined.
	SkipInline []string `yaml:"skip_inline"`
	// NoReturn are raw symbol name patterns of functions that never
	// return.
	NoReturn []string `yaml:"no_return"`
	// PacketID matches the functions returning the ID of a packet. Its
	// first group must name the packet the same way the packet
	// signature rule does. Empty disables packet IDs.
	PacketID string `yaml:"packet_id"`
	// ZeroRelocations are relocated pointer slots that read as zero.
	ZeroRelocations []string `yaml:"zero_relocations"`
	Workers         int      `yaml:"workers"`
	Attempts        int      `yaml:"attempts"`
}

// DefaultConfig returns the rules for the Minecraft: Pocket Edition
// network protocol.
func DefaultConfig() Config {
	return Config{
		Signatures: []SignatureRule{
			{Kind: KindPacket, Pattern: `(.*)Packet::write`},
			{Kind: KindType, Pattern: `BinaryStream::write(.+)`},
		},
		Terminals: []TerminalRule{
			{Pattern: `BinaryStream::write(.*)`, Template: "$1", Clean: true},
			{Pattern: `Tag::writeNamedTag`, Template: "NamedTag"},
			{Pattern: `PlayerListEntry::write`, Template: "PlayerListEntry"},
			{Pattern: `CraftingDataEntry::write`, Template: "CraftingDataEntry"},
			{
				Pattern:  `(sym\.)?imp\._ZNSt3__112basic_stringIcNS_11char_traitsIcEENS_9allocatorIcEEE6appendEPKcm`,
				Template: "RAW(<rdx>)",
			},
		},
		SkipInline: []string{
			`(sym\.)?imp\..*`,
			`.*8toStringEv`,
			`__ZNK12ItemInstance22getStrippedNetworkItemEv`,
		},
		NoReturn: []string{
			`(sym\.)?imp\.(__assert_rtn|__assert_fail|abort|exit|_exit|__stack_chk_fail|__cxa_throw|__cxa_rethrow)`,
		},
		PacketID:        `(.*)Packet::getId`,
		ZeroRelocations: []string{"__stack_chk_guard"},
		Workers:         4,
		Attempts:        3,
	}
}

// LoadConfig reads a YAML configuration. Fields missing from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks rule kinds and limits.
func (c Config) Validate() error {
	for _, r := range c.Signatures {
		if r.Kind != KindPacket && r.Kind != KindType {
			return errors.Errorf("signature rule %q: unknown kind %q", r.Pattern, r.Kind)
		}
	}
	if c.Workers < 1 {
		return errors.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Attempts < 1 {
		return errors.Errorf("attempts must be positive, got %d", c.Attempts)
	}
	return nil
}
