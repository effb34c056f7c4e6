package money

import (
	"fmt"
	"reflect"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// decimalType is the reflect type the codec below is registered for.
var decimalType = reflect.TypeOf(decimal.Decimal{})

// Registry returns a bson registry that stores decimal.Decimal values as
// Decimal128, so that amounts keep exact precision in mongo and remain
// usable in aggregation pipelines. Every mongo client in the daemon is
// constructed with this registry.
func Registry() *bsoncodec.Registry {
	registry := bson.NewRegistry()

	registry.RegisterTypeEncoder(
		decimalType, bsoncodec.ValueEncoderFunc(encodeDecimal),
	)
	registry.RegisterTypeDecoder(
		decimalType, bsoncodec.ValueDecoderFunc(decodeDecimal),
	)

	return registry
}

func encodeDecimal(_ bsoncodec.EncodeContext, vw bsonrw.ValueWriter,
	val reflect.Value) error {

	if !val.IsValid() || val.Type() != decimalType {
		return bsoncodec.ValueEncoderError{
			Name:     "moneyDecimalEncode",
			Types:    []reflect.Type{decimalType},
			Received: val,
		}
	}

	dec := val.Interface().(decimal.Decimal)

	d128, err := primitive.ParseDecimal128(dec.String())
	if err != nil {
		return fmt.Errorf("encode decimal %v: %w", dec, err)
	}

	return vw.WriteDecimal128(d128)
}

func decodeDecimal(_ bsoncodec.DecodeContext, vr bsonrw.ValueReader,
	val reflect.Value) error {

	if !val.CanSet() || val.Type() != decimalType {
		return bsoncodec.ValueDecoderError{
			Name:     "moneyDecimalDecode",
			Types:    []reflect.Type{decimalType},
			Received: val,
		}
	}

	var (
		dec decimal.Decimal
		err error
	)

	switch vr.Type() {
	case bsontype.Decimal128:
		d128, readErr := vr.ReadDecimal128()
		if readErr != nil {
			return readErr
		}

		dec, err = decimal.NewFromString(d128.String())

	case bsontype.Double:
		f, readErr := vr.ReadDouble()
		if readErr != nil {
			return readErr
		}

		dec = decimal.NewFromFloat(f)

	case bsontype.String:
		s, readErr := vr.ReadString()
		if readErr != nil {
			return readErr
		}

		dec, err = decimal.NewFromString(s)

	case bsontype.Int32:
		i, readErr := vr.ReadInt32()
		if readErr != nil {
			return readErr
		}

		dec = decimal.NewFromInt32(i)

	case bsontype.Int64:
		i, readErr := vr.ReadInt64()
		if readErr != nil {
			return readErr
		}

		dec = decimal.NewFromInt(i)

	case bsontype.Null:
		if readErr := vr.ReadNull(); readErr != nil {
			return readErr
		}

	default:
		return fmt.Errorf("cannot decode %v into a decimal",
			vr.Type())
	}
	if err != nil {
		return err
	}

	val.Set(reflect.ValueOf(dec))

	return nil
}
