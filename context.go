package flagd

import (
	"fmt"
	"time"

	"github.com/open-feature/go-sdk/openfeature"
	"google.golang.org/protobuf/types/known/structpb"
)

// contextToStruct converts an evaluation context to the wire representation.
// The targeting key travels as its own "targetingKey" field.
func contextToStruct(evalCtx openfeature.FlattenedContext) (*structpb.Struct, error) {
	fields := make(map[string]*structpb.Value, len(evalCtx))
	for key, value := range evalCtx {
		if key == openfeature.TargetingKey {
			continue
		}
		v, err := goValueToProto(value)
		if err != nil {
			return nil, fmt.Errorf("failed to convert field '%s': %w", key, err)
		}
		fields[key] = v
	}
	if tk, ok := targetingKey(evalCtx); ok {
		fields[openfeature.TargetingKey] = structpb.NewStringValue(tk)
	}
	return &structpb.Struct{Fields: fields}, nil
}

func targetingKey(evalCtx openfeature.FlattenedContext) (string, bool) {
	v, ok := evalCtx[openfeature.TargetingKey]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

func goValueToProto(value any) (*structpb.Value, error) {
	switch v := value.(type) {
	case nil:
		return structpb.NewNullValue(), nil
	case bool:
		return structpb.NewBoolValue(v), nil
	case int:
		return structpb.NewNumberValue(float64(v)), nil
	case int8:
		return structpb.NewNumberValue(float64(v)), nil
	case int16:
		return structpb.NewNumberValue(float64(v)), nil
	case int32:
		return structpb.NewNumberValue(float64(v)), nil
	case int64:
		return structpb.NewNumberValue(float64(v)), nil
	case uint:
		return structpb.NewNumberValue(float64(v)), nil
	case uint8:
		return structpb.NewNumberValue(float64(v)), nil
	case uint16:
		return structpb.NewNumberValue(float64(v)), nil
	case uint32:
		return structpb.NewNumberValue(float64(v)), nil
	case uint64:
		return structpb.NewNumberValue(float64(v)), nil
	case float32:
		return structpb.NewNumberValue(float64(v)), nil
	case float64:
		return structpb.NewNumberValue(v), nil
	case string:
		return structpb.NewStringValue(v), nil
	case time.Time:
		return structpb.NewStringValue(v.UTC().Format(time.RFC3339Nano)), nil
	case []string:
		values := make([]*structpb.Value, len(v))
		for i, s := range v {
			values[i] = structpb.NewStringValue(s)
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values}), nil
	case []any:
		values := make([]*structpb.Value, len(v))
		for i, item := range v {
			val, err := goValueToProto(item)
			if err != nil {
				return nil, err
			}
			values[i] = val
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values}), nil
	case map[string]any:
		fields := make(map[string]*structpb.Value, len(v))
		for key, val := range v {
			protoVal, err := goValueToProto(val)
			if err != nil {
				return nil, err
			}
			fields[key] = protoVal
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields}), nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func protoStructToGo(s *structpb.Struct) map[string]any {
	if s == nil {
		return nil
	}
	out := make(map[string]any, len(s.GetFields()))
	for key, val := range s.GetFields() {
		out[key] = protoValueToGo(val)
	}
	return out
}

func protoValueToGo(value *structpb.Value) any {
	switch v := value.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return v.BoolValue
	case *structpb.Value_NumberValue:
		return v.NumberValue
	case *structpb.Value_StringValue:
		return v.StringValue
	case *structpb.Value_ListValue:
		out := make([]any, len(v.ListValue.GetValues()))
		for i, val := range v.ListValue.GetValues() {
			out[i] = protoValueToGo(val)
		}
		return out
	case *structpb.Value_StructValue:
		return protoStructToGo(v.StructValue)
	default:
		return nil
	}
}

// localContext copies evalCtx for in-process evaluation and adds the
// "$flagd" properties targeting rules may reference.
func localContext(flagKey string, evalCtx openfeature.FlattenedContext, now time.Time) (map[string]any, error) {
	out := make(map[string]any, len(evalCtx)+1)
	for k, v := range evalCtx {
		// Local evaluation accepts exactly what the wire representation does.
		if _, err := goValueToProto(v); err != nil {
			return nil, fmt.Errorf("failed to convert field '%s': %w", k, err)
		}
		out[k] = v
	}
	if tk, ok := targetingKey(evalCtx); ok {
		out[openfeature.TargetingKey] = tk
	}
	out["$flagd"] = map[string]any{
		"flagKey":   flagKey,
		"timestamp": now.Unix(),
	}
	return out, nil
}
