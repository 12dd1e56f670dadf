package deduction

import "strings"

// Ingredients sold in sub-unit portions (mini croffle toppings). Matching is
// a case-insensitive substring test on the ingredient name.
var fractionalIngredients = []string{
	"croissant",
	"whipped cream",
	"chocolate sauce",
	"caramel sauce",
	"tiramisu sauce",
	"colored sprinkle",
	"peanut",
	"choco flakes",
	"marshmallow",
}

func AllowsFractional(name string) bool {
	n := strings.ToLower(name)
	for _, f := range fractionalIngredients {
		if strings.Contains(n, f) {
			return true
		}
	}
	return false
}
