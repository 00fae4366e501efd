package model

// Packages is the ordered package table: iteration follows config insertion
// order, never map order.
type Packages struct {
	order []string
	byID  map[string]*Package
}

// NewPackages creates an empty, ordered package table.
func NewPackages() *Packages {
	return &Packages{byID: make(map[string]*Package)}
}

// Add appends pkg to the table. Adding a pkgid that already exists replaces
// the entry in place without changing its position.
func (ps *Packages) Add(pkg *Package) {
	if _, exists := ps.byID[pkg.ID]; !exists {
		ps.order = append(ps.order, pkg.ID)
	}
	ps.byID[pkg.ID] = pkg
}

// Remove drops pkgid from the table, if present.
func (ps *Packages) Remove(pkgid string) {
	if _, exists := ps.byID[pkgid]; !exists {
		return
	}
	delete(ps.byID, pkgid)
	for i, id := range ps.order {
		if id == pkgid {
			ps.order = append(ps.order[:i], ps.order[i+1:]...)
			break
		}
	}
}

// Get returns the package for pkgid, or nil if absent.
func (ps *Packages) Get(pkgid string) *Package {
	return ps.byID[pkgid]
}

// IDs returns package ids in config insertion order.
func (ps *Packages) IDs() []string {
	out := make([]string, len(ps.order))
	copy(out, ps.order)
	return out
}

// Each visits every package in config insertion order.
func (ps *Packages) Each(fn func(*Package)) {
	for _, id := range ps.order {
		fn(ps.byID[id])
	}
}

// Len reports the number of packages in the table.
func (ps *Packages) Len() int {
	return len(ps.order)
}
