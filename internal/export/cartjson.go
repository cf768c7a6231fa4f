package export

import (
	"encoding/json"
	"fmt"

	"decider/api/internal/cart"
)

// CartFile renders the portable import shape, indented the way downloaded
// cart files have always been.
func CartFile(c cart.Cart) (*Artifact, error) {
	if err := requireEntries(c, "a file"); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(c.ToImport(), "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encode cart: %w", err)
	}
	return &Artifact{
		Kind:     KindCart,
		Data:     data,
		Filename: filename("Cart", c, "json"),
		MimeType: "application/json",
	}, nil
}
