package catalog

import (
	"fmt"
	"strings"
)

// PackageType is the stored package_type of a purchase
type PackageType string

const (
	PackageFive   PackageType = "pack_5"
	PackageAll    PackageType = "pack_all"
	PackageSingle PackageType = "single"
)

// singlePrefix marks the single_<template> shorthand used by checkout links
const singlePrefix = "single_"

// PackageKind describes how a package entitles its owner
type PackageKind string

const (
	KindUnlimited    PackageKind = "unlimited"
	KindFixedCredits PackageKind = "fixed_credits"
	KindSingleItem   PackageKind = "single_item"
)

// Package is a purchasable product definition
type Package struct {
	Type    PackageType `json:"type"`
	Kind    PackageKind `json:"kind"`
	Credits int         `json:"credits"`
	Label   string      `json:"label"`
}

var packages = []Package{
	{Type: PackageFive, Kind: KindFixedCredits, Credits: 5, Label: "5 document pack"},
	{Type: PackageAll, Kind: KindUnlimited, Credits: 0, Label: "All templates"},
	{Type: PackageSingle, Kind: KindSingleItem, Credits: 0, Label: "Single template"},
}

// Packages returns every package definition.
func Packages() []Package {
	out := make([]Package, len(packages))
	copy(out, packages)
	return out
}

// LookupPackage returns the package definition for t.
func LookupPackage(t PackageType) (Package, bool) {
	for _, p := range packages {
		if p.Type == t {
			return p, true
		}
	}
	return Package{}, false
}

// ParsePackage accepts a stored package type or the single_<template>
// shorthand and returns the canonical type plus the template id (single only).
func ParsePackage(raw string) (PackageType, string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, singlePrefix) {
		templateID := strings.TrimSpace(strings.TrimPrefix(raw, singlePrefix))
		if templateID == "" {
			return "", "", fmt.Errorf("%w: %q", ErrUnknownPackage, raw)
		}
		return PackageSingle, templateID, nil
	}
	if _, ok := LookupPackage(PackageType(raw)); !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownPackage, raw)
	}
	return PackageType(raw), "", nil
}

// KindOf returns the entitlement semantics of a package type.
func KindOf(t PackageType) PackageKind {
	if p, ok := LookupPackage(t); ok {
		return p.Kind
	}
	return ""
}

// FixedCreditTypes lists the package types that carry consumable credits.
func FixedCreditTypes() []string {
	out := []string{}
	for _, p := range packages {
		if p.Kind == KindFixedCredits {
			out = append(out, string(p.Type))
		}
	}
	return out
}

// CreditsFor returns the credits a new purchase of t is granted. granted
// overrides the catalog default for fixed-credit packs when positive; other
// kinds never carry credits.
func CreditsFor(t PackageType, granted int) int {
	p, ok := LookupPackage(t)
	if !ok || p.Kind != KindFixedCredits {
		return 0
	}
	if granted > 0 {
		return granted
	}
	return p.Credits
}
