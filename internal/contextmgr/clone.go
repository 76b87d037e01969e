package contextmgr

import "reflect"

// Clone возвращает структурно независимую копию значения полезной нагрузки контекста.
// Мапы, слайсы, массивы и указатели копируются рекурсивно, скаляры и строки
// возвращаются как есть. Каналы и функции не копируются (разделяются).
func Clone(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return CloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	case string, bool, int, int32, int64, float32, float64, uint, uint32, uint64:
		return t
	}
	return cloneValue(reflect.ValueOf(v)).Interface()
}

// CloneMap — DEEP копия мапы верхнего уровня. nil остается nil.
func CloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = Clone(v)
	}
	return out
}

// shallowMap копирует только контейнер верхнего уровня (SHALLOW).
func shallowMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneElem(iter.Value(), v.Type().Elem()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(cloneElem(v.Index(i), v.Type().Elem()))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(cloneElem(v.Index(i), v.Type().Elem()))
		}
		return out
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(cloneElem(v.Elem(), v.Type().Elem()))
		return out
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		return cloneValue(v.Elem())
	}
	// скаляры и структуры копируются присваиванием
	return v
}

// cloneElem клонирует элемент и приводит его к типу контейнера
func cloneElem(v reflect.Value, typ reflect.Type) reflect.Value {
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Zero(typ)
		}
		c := reflect.ValueOf(Clone(v.Elem().Interface()))
		out := reflect.New(typ).Elem()
		out.Set(c)
		return out
	}
	return cloneValue(v)
}
