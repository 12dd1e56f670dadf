package validate

import (
	"testing"

	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type repairReq struct {
	StoreID string `validate:"required"`
	RunID   string `validate:"uuid_required"`
}

func TestValidateStruct_SaleCompletedPayload(t *testing.T) {
	ok := sales.SaleCompletedPayload{
		SaleID:  "sale-1",
		StoreID: "store-1",
		Lines:   []sales.SaleLine{{ProductID: "p", ProductName: "Croffle", Quantity: 2}},
	}
	assert.Empty(t, ValidateStruct(ok))

	bad := ok
	bad.Lines = []sales.SaleLine{{ProductID: "p", ProductName: "Croffle", Quantity: 0}}
	errs := ValidateStruct(bad)
	require.Len(t, errs, 1)
	assert.Equal(t, "SaleCompletedPayload.Lines[0].Quantity", errs[0].FailedField)
	assert.Equal(t, "required", errs[0].Tag)

	empty := ok
	empty.Lines = nil
	errs = ValidateStruct(empty)
	require.Len(t, errs, 1)
	assert.Equal(t, "required", errs[0].Tag)
}

func TestUUIDRequired(t *testing.T) {
	assert.Empty(t, ValidateStruct(repairReq{StoreID: "s", RunID: uuid.NewString()}))

	errs := ValidateStruct(repairReq{StoreID: "s", RunID: uuid.Nil.String()})
	require.Len(t, errs, 1)
	assert.Equal(t, "uuid_required", errs[0].Tag)

	errs = ValidateStruct(repairReq{StoreID: "s", RunID: "nope"})
	require.Len(t, errs, 1)
}

func TestCheck_ReturnsValidationError(t *testing.T) {
	err := Check(repairReq{RunID: uuid.NewString()})
	var ve *sales.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "repairReq.StoreID", ve.Field)
	assert.Contains(t, ve.Reason, "required")
	assert.Equal(t, sales.KindValidation, sales.KindOf(err))

	assert.NoError(t, Check(repairReq{StoreID: "s", RunID: uuid.NewString()}))
}
