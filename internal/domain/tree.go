package domain

// Pcs reads the stock quantity at ref with explicit presence checks. Missing
// nodes report ok=false and a zero quantity.
func (t ProductTree) Pcs(ref ItemRef) (int, bool) {
	product, ok := t[ref.Code]
	if !ok {
		return 0, false
	}
	color, ok := product.Colors[ref.Color]
	if !ok {
		return 0, false
	}
	size, ok := color.Sizes[ref.Size]
	if !ok {
		return 0, false
	}
	return size.Pcs, true
}

// Ensure creates the node chain down to ref, initialising a missing size
// entry with pcs 0, and returns the current quantity at ref.
func (t ProductTree) Ensure(ref ItemRef) int {
	product, ok := t[ref.Code]
	if !ok {
		product = Product{Colors: map[string]ColorEntry{}}
	}
	if product.Colors == nil {
		product.Colors = map[string]ColorEntry{}
	}
	color, ok := product.Colors[ref.Color]
	if !ok {
		color = ColorEntry{Sizes: map[string]SizeEntry{}}
	}
	if color.Sizes == nil {
		color.Sizes = map[string]SizeEntry{}
	}
	size := color.Sizes[ref.Size]
	color.Sizes[ref.Size] = size
	product.Colors[ref.Color] = color
	t[ref.Code] = product
	return size.Pcs
}

// SetPcs writes the quantity at ref, creating the node chain when absent.
func (t ProductTree) SetPcs(ref ItemRef, pcs int) {
	t.Ensure(ref)
	color := t[ref.Code].Colors[ref.Color]
	color.Sizes[ref.Size] = SizeEntry{Pcs: pcs}
}

// SetPrice overwrites the product price, creating the product when absent.
func (t ProductTree) SetPrice(code string, price int64) {
	product, ok := t[code]
	if !ok {
		product = Product{Colors: map[string]ColorEntry{}}
	}
	product.Price = price
	t[code] = product
}
