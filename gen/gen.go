// Package gen renders an extraction report as Go source, so that protocol
// implementations can check their encoders against the binary.
package gen

import (
	"io"

	"github.com/dave/jennifer/jen"
	"github.com/pkg/errors"

	"github.com/maxgio92/callsig"
)

// Names of the generated variables.
const (
	PacketSignaturesName = "PacketSignatures"
	PacketIDsName        = "PacketIDs"
	TypeSignaturesName   = "TypeSignatures"
)

// File builds the Go file for report in package pkg. Packets without an ID
// are left out of PacketIDs, and packets without a signature out of
// PacketSignatures.
func File(pkg string, report *callsig.Report) *jen.File {
	f := jen.NewFile(pkg)
	f.HeaderComment("Code generated by callsig. DO NOT EDIT.")

	f.Comment(PacketSignaturesName + " maps packet names to the call signature of their serializer.")
	f.Var().Id(PacketSignaturesName).Op("=").Map(jen.String()).String().Values(jen.DictFunc(func(d jen.Dict) {
		for _, p := range report.Packets {
			if p.Signature != "" {
				d[jen.Lit(p.Name)] = jen.Lit(p.Signature)
			}
		}
	}))

	f.Comment(PacketIDsName + " maps packet names to their network ID.")
	f.Var().Id(PacketIDsName).Op("=").Map(jen.String()).Uint32().Values(jen.DictFunc(func(d jen.Dict) {
		for _, p := range report.Packets {
			if p.ID != nil {
				d[jen.Lit(p.Name)] = jen.Lit(int(uint32(*p.ID)))
			}
		}
	}))

	f.Comment(TypeSignaturesName + " maps payload type names to the call signature of their serializer.")
	f.Var().Id(TypeSignaturesName).Op("=").Map(jen.String()).String().Values(jen.DictFunc(func(d jen.Dict) {
		for name, sig := range report.Types {
			d[jen.Lit(name)] = jen.Lit(sig)
		}
	}))
	return f
}

// Write renders report as a formatted Go file in package pkg.
func Write(w io.Writer, pkg string, report *callsig.Report) error {
	return errors.Wrap(File(pkg, report).Render(w), "render Go table")
}

// Save writes the Go file for report to path.
func Save(path, pkg string, report *callsig.Report) error {
	return errors.Wrapf(File(pkg, report).Save(path), "save %s", path)
}
